package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sign/internal/config"
)

const utteranceTimeout = 45 * time.Second

// Speaker drives a Synthesizer with at most one utterance in flight. A new
// Speak interrupts the current utterance; nothing is queued.
type Speaker struct {
	cfg     config.SpeechConfig
	synth   Synthesizer
	sink    Sink
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	mu      sync.Mutex
	current *utterance
}

type utterance struct {
	id     string
	cancel context.CancelFunc
}

func NewSpeaker(parent context.Context, cfg config.SpeechConfig, synth Synthesizer, sink Sink, log *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	return &Speaker{
		cfg:    cfg,
		synth:  synth,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-speaker")),
	}
}

// Speak starts a new utterance, cancelling any utterance still playing. The
// utterance outlives the caller's context; only Cancel or Close stop it.
func (s *Speaker) Speak(_ context.Context, text string) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, utteranceTimeout)
	u := &utterance{id: uuid.NewString(), cancel: cancel}

	s.mu.Lock()
	prev := s.current
	s.current = u
	s.mu.Unlock()
	s.interrupt(prev)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(u)
		s.play(ctx, u, text)
	}()
}

// Cancel interrupts the current utterance, if any.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	s.interrupt(prev)
}

// Speaking reports whether an utterance is in flight.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Speaker) Close() {
	s.Cancel()
	s.cancel()
	s.wg.Wait()
}

func (s *Speaker) Healthy() bool { return s.ctx.Err() == nil }

func (s *Speaker) interrupt(u *utterance) {
	if u == nil {
		return
	}
	u.cancel()
	s.sink.Stop(u.id)
	s.logger.Debug("utterance interrupted", slog.String("utterance_id", u.id))
}

func (s *Speaker) finish(u *utterance) {
	u.cancel()
	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Speaker) play(ctx context.Context, u *utterance, text string) {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{UtteranceID: u.id, Text: text, Voice: s.cfg.Voice})
	sequence := 0
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				break
			}
			chunk.UtteranceID = u.id
			chunk.Sequence = sequence
			sequence++
			if err := s.sink.Write(ctx, chunk); err != nil && ctx.Err() == nil {
				s.logger.Warn("tts sink write failed", slogError(err))
			}
		case err, ok := <-errs:
			if ok && err != nil && ctx.Err() == nil {
				s.logger.Warn("tts synthesis error", slogError(err))
			}
			errs = nil
		case <-ctx.Done():
			return
		}
		if chunks == nil && errs == nil {
			return
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
