// Package announce turns recognition decisions and typed text into display
// updates and speech.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/loqalabs/loqa-sign/internal/debounce"
)

// Display is a visual surface showing the current label and transcription.
type Display interface {
	ShowLabel(ctx context.Context, text string, percent int)
	ShowTranscription(ctx context.Context, text string)
}

// Speaker plays synthesized speech. Speak replaces whatever is playing.
type Speaker interface {
	Speak(ctx context.Context, text string)
	Cancel()
}

// Suppressor remembers text that was already spoken.
type Suppressor interface {
	Suppress(label string)
}

// Request is one announcement, consumed synchronously by the Announcer.
type Request struct {
	DisplayText   string
	Percent       int
	Transcription string
	SpeakText     string
	ShouldSpeak   bool
}

// Announcer dispatches requests to the display and, when enabled, the speaker.
// A nil speaker degrades to text-only output.
type Announcer struct {
	display    Display
	speaker    Speaker
	suppressor Suppressor
	speech     atomic.Bool
	logger     *slog.Logger
}

func New(display Display, speaker Speaker, suppressor Suppressor, speechEnabled bool, logger *slog.Logger) *Announcer {
	a := &Announcer{
		display:    display,
		speaker:    speaker,
		suppressor: suppressor,
		logger:     logger.With(slog.String("component", "announcer")),
	}
	a.speech.Store(speechEnabled)
	return a
}

// SetSpeechEnabled toggles speech output. Disabling also silences the current
// utterance.
func (a *Announcer) SetSpeechEnabled(enabled bool) {
	a.speech.Store(enabled)
	if !enabled && a.speaker != nil {
		a.speaker.Cancel()
	}
}

// SpeechEnabled reports whether speech output is on.
func (a *Announcer) SpeechEnabled() bool { return a.speech.Load() }

// SpeechAvailable reports whether a speech backend is attached.
func (a *Announcer) SpeechAvailable() bool { return a.speaker != nil }

// Percent renders a confidence as a rounded 0–100 integer.
func Percent(confidence float64) int {
	p := int(math.Round(confidence * 100))
	return max(0, min(100, p))
}

// RequestFor builds the announcement for a decision.
func RequestFor(d debounce.Decision) Request {
	switch d.Kind {
	case debounce.LowConfidence:
		return Request{DisplayText: fmt.Sprintf("Unrecognized (%s)", d.Label), Percent: Percent(d.Confidence)}
	case debounce.Repeat:
		return Request{DisplayText: d.Label, Percent: Percent(d.Confidence)}
	default:
		return Request{
			DisplayText:   d.Label,
			Percent:       Percent(d.Confidence),
			Transcription: d.Label,
			SpeakText:     d.Label,
			ShouldSpeak:   true,
		}
	}
}

// AnnounceDetection always updates the label display; only new detections
// reach the transcription and the speaker.
func (a *Announcer) AnnounceDetection(ctx context.Context, d debounce.Decision) {
	a.Dispatch(ctx, RequestFor(d))
}

// AnnounceText speaks typed text and marks it as announced so the live loop
// does not echo it straight back.
func (a *Announcer) AnnounceText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	typed := "Typed: " + text
	a.Dispatch(ctx, Request{
		DisplayText:   typed,
		Percent:       100,
		Transcription: typed,
		SpeakText:     text,
		ShouldSpeak:   true,
	})
	if a.suppressor != nil {
		a.suppressor.Suppress(text)
	}
	return nil
}

// ShowStatus puts a status line on the display without speaking.
func (a *Announcer) ShowStatus(ctx context.Context, label, transcription string) {
	a.Dispatch(ctx, Request{DisplayText: label, Transcription: transcription})
}

// Dispatch applies req: display first, then speech if requested and enabled.
func (a *Announcer) Dispatch(ctx context.Context, req Request) {
	if a.display != nil {
		a.display.ShowLabel(ctx, req.DisplayText, req.Percent)
		if req.Transcription != "" {
			a.display.ShowTranscription(ctx, req.Transcription)
		}
	}
	if !req.ShouldSpeak {
		return
	}
	if !a.speech.Load() || a.speaker == nil {
		a.logger.Debug("speech skipped", slog.String("text", req.SpeakText))
		return
	}
	a.speaker.Speak(ctx, req.SpeakText)
}
