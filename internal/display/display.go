// Package display holds the visual output surfaces: an in-memory board read by
// the control API and a bus publisher for remote screens.
package display

import (
	"context"
	"sync"
	"time"
)

// Status sources.
const (
	SourceCamera      = "camera"
	SourceModel       = "model"
	SourceRecognition = "recognition"
)

// Surface is a visual output. It satisfies announce.Display.
type Surface interface {
	ShowLabel(ctx context.Context, text string, percent int)
	ShowTranscription(ctx context.Context, text string)
	ShowStatus(ctx context.Context, source, text string)
}

// Snapshot is the current content of a Board.
type Snapshot struct {
	Label         string            `json:"label"`
	Percent       int               `json:"percent"`
	Transcription string            `json:"transcription"`
	Status        map[string]string `json:"status"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Board keeps the latest label, transcription and status lines.
type Board struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

func NewBoard() *Board {
	return &Board{snap: Snapshot{Status: make(map[string]string)}, now: time.Now}
}

func (b *Board) ShowLabel(_ context.Context, text string, percent int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.Label = text
	b.snap.Percent = percent
	b.snap.UpdatedAt = b.now().UTC()
}

func (b *Board) ShowTranscription(_ context.Context, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.Transcription = text
	b.snap.UpdatedAt = b.now().UTC()
}

func (b *Board) ShowStatus(_ context.Context, source, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.Status[source] = text
	b.snap.UpdatedAt = b.now().UTC()
}

// Snapshot returns a copy safe to hand to other goroutines.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.snap
	out.Status = make(map[string]string, len(b.snap.Status))
	for k, v := range b.snap.Status {
		out.Status[k] = v
	}
	return out
}

// Fanout forwards every update to each surface in order.
type Fanout []Surface

func (f Fanout) ShowLabel(ctx context.Context, text string, percent int) {
	for _, s := range f {
		s.ShowLabel(ctx, text, percent)
	}
}

func (f Fanout) ShowTranscription(ctx context.Context, text string) {
	for _, s := range f {
		s.ShowTranscription(ctx, text)
	}
}

func (f Fanout) ShowStatus(ctx context.Context, source, text string) {
	for _, s := range f {
		s.ShowStatus(ctx, source, text)
	}
}
