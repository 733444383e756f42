package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// PlayerSink buffers an utterance and plays it through a local command (for
// example `aplay -q`) once the final chunk arrives. The WAV path is appended
// to the command arguments. Cancelling the context kills playback.
type PlayerSink struct {
	cmd []string
	mu  sync.Mutex
	buf map[string][]byte
}

func NewPlayerSink(command string) (*PlayerSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &PlayerSink{cmd: args, buf: make(map[string][]byte)}, nil
}

func (p *PlayerSink) Write(ctx context.Context, chunk SynthChunk) error {
	p.mu.Lock()
	pcm := append(p.buf[chunk.UtteranceID], chunk.PCM...)
	if !chunk.Final {
		p.buf[chunk.UtteranceID] = pcm
		p.mu.Unlock()
		return nil
	}
	delete(p.buf, chunk.UtteranceID)
	p.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_tts_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := writePCMToWav(file, pcm, chunk.SampleRate, chunk.Channels); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav file: %w", err)
	}

	args := append(append([]string{}, p.cmd[1:]...), file.Name())
	command := exec.CommandContext(ctx, p.cmd[0], args...)
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("player command failed: %w", err)
	}
	return nil
}

func (p *PlayerSink) Stop(utteranceID string) {
	p.mu.Lock()
	delete(p.buf, utteranceID)
	p.mu.Unlock()
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
