// Package debounce decides whether a prediction is a new, stable detection
// worth announcing.
package debounce

import (
	"github.com/loqalabs/loqa-sign/internal/inference"
)

// DefaultThreshold is the confidence a prediction must exceed to count.
const DefaultThreshold = 0.8

// Kind classifies a decision.
type Kind int

const (
	LowConfidence Kind = iota
	Repeat
	NewDetection
)

func (k Kind) String() string {
	switch k {
	case LowConfidence:
		return "low_confidence"
	case Repeat:
		return "repeat"
	case NewDetection:
		return "new_detection"
	default:
		return "unknown"
	}
}

// Decision is the outcome of feeding one prediction to the debouncer.
type Decision struct {
	Kind       Kind
	Label      string
	Confidence float64
}

// Debouncer holds the detection state of one recognition session. It is not
// safe for concurrent use; the recognition loop owns it.
type Debouncer struct {
	threshold float64
	running   bool
	last      string
	hasLast   bool
}

// New returns an idle debouncer. A threshold outside (0,1) falls back to
// DefaultThreshold.
func New(threshold float64) *Debouncer {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Debouncer{threshold: threshold}
}

// Start moves to Watching and forgets the last announced label.
func (d *Debouncer) Start() {
	d.running = true
	d.reset()
}

// Stop moves to Idle and forgets the last announced label.
func (d *Debouncer) Stop() {
	d.running = false
	d.reset()
}

func (d *Debouncer) reset() {
	d.last = ""
	d.hasLast = false
}

// Running reports whether the debouncer is Watching.
func (d *Debouncer) Running() bool { return d.running }

// Threshold returns the configured confidence threshold.
func (d *Debouncer) Threshold() float64 { return d.threshold }

// LastAnnounced returns the last announced label, if any.
func (d *Debouncer) LastAnnounced() (string, bool) { return d.last, d.hasLast }

// Suppress records label as already announced so an identical live detection
// that follows is treated as a repeat.
func (d *Debouncer) Suppress(label string) {
	d.last = label
	d.hasLast = true
}

// Decide classifies p. ok is false while Idle.
func (d *Debouncer) Decide(p inference.Prediction) (Decision, bool) {
	if !d.running {
		return Decision{}, false
	}
	label, confidence := p.Argmax()
	switch {
	case confidence <= d.threshold:
		return Decision{Kind: LowConfidence, Label: label, Confidence: confidence}, true
	case d.hasLast && label == d.last:
		return Decision{Kind: Repeat, Label: label, Confidence: confidence}, true
	default:
		d.Suppress(label)
		return Decision{Kind: NewDetection, Label: label, Confidence: confidence}, true
	}
}
