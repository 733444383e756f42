package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth produces 100ms of silence per request after a short delay.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		chunks <- SynthChunk{
			UtteranceID: req.UtteranceID,
			Sequence:    0,
			SampleRate:  m.sampleRate,
			Channels:    m.channels,
			PCM:         make([]byte, m.sampleRate*m.channels*2/10),
			Final:       true,
		}
	}()
	return chunks, errs
}
