package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusSink forwards audio chunks to remote players over the bus.
type BusSink struct {
	pub    Publisher
	target string
	logger *slog.Logger
}

func NewBusSink(pub Publisher, target string, logger *slog.Logger) *BusSink {
	return &BusSink{pub: pub, target: target, logger: logger.With(slog.String("component", "tts-bus-sink"))}
}

func (b *BusSink) Write(_ context.Context, chunk SynthChunk) error {
	packet := protocol.AudioChunk{
		UtteranceID: chunk.UtteranceID,
		Target:      b.target,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	if err := b.pub.Publish(protocol.SubjectTTSAudio, data); err != nil {
		return err
	}
	if chunk.Final {
		b.publishStatus(protocol.TTSStatus{UtteranceID: chunk.UtteranceID, Target: b.target, Completed: true, Timestamp: time.Now().UTC()})
	}
	return nil
}

// Stop tells remote players to drop the rest of an utterance.
func (b *BusSink) Stop(utteranceID string) {
	b.publishStatus(protocol.TTSStatus{UtteranceID: utteranceID, Target: b.target, Interrupted: true, Timestamp: time.Now().UTC()})
}

func (b *BusSink) publishStatus(msg protocol.TTSStatus) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("failed to marshal tts status", slogError(err))
		return
	}
	if err := b.pub.Publish(protocol.SubjectTTSDone, data); err != nil {
		b.logger.Warn("failed to publish tts status", slogError(err))
	}
}

// DiscardSink drops all audio. Used when only text output is wanted.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, SynthChunk) error { return nil }
func (DiscardSink) Stop(string)                            {}
