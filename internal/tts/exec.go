package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// chunkTenths is the PCM chunk length in tenths of a second.
const chunkTenths = 1

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

// NewExecSynth runs command once per utterance, in the manner of
// `piper --output-raw` or `espeak-ng --stdout`: the text goes in on stdin and
// raw signed 16-bit little-endian PCM comes back on stdout. The voice is
// passed in LOQA_TTS_VOICE and substituted for a literal {voice} argument.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("tts command unavailable: %w", err)
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) chunkBytes() int {
	n := e.sampleRate * e.channels * 2 * chunkTenths / 10
	if n%2 != 0 {
		n++
	}
	return max(n, 2)
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	args := make([]string, 0, len(e.cmd)-1)
	for _, a := range e.cmd[1:] {
		args = append(args, strings.ReplaceAll(a, "{voice}", req.Voice))
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Env = append(os.Environ(), "LOQA_TTS_VOICE="+req.Voice)
	cmd.Stdin = strings.NewReader(req.Text + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tts stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	emit := func(pcm []byte, final bool) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- SynthChunk{
			UtteranceID: req.UtteranceID,
			SampleRate:  e.sampleRate,
			Channels:    e.channels,
			PCM:         pcm,
			Final:       final,
		}:
			return true
		}
	}

	buf := make([]byte, e.chunkBytes())
	var pending []byte
	for {
		n, readErr := io.ReadFull(stdout, buf)
		if n > 0 {
			if pending != nil && !emit(pending, false) {
				_ = cmd.Wait()
				return ctx.Err()
			}
			pending = append([]byte(nil), buf[:n]...)
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			_ = cmd.Wait()
			return fmt.Errorf("read tts output: %w", readErr)
		}
		break
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	// An odd trailing byte cannot form a sample.
	if len(pending)%2 != 0 {
		pending = pending[:len(pending)-1]
	}
	emit(pending, true)
	return nil
}
