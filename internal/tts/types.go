package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	UtteranceID string
	Text        string
	Voice       string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	UtteranceID string
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Sink plays or forwards synthesized audio. Stop is called when an utterance
// is interrupted before its final chunk.
type Sink interface {
	Write(ctx context.Context, chunk SynthChunk) error
	Stop(utteranceID string)
}
