package inference

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/loqalabs/loqa-sign/internal/labels"
)

// Step is one scripted mock output: the label index that wins and its
// probability. The remaining mass is spread over the other labels.
type Step struct {
	Index      int
	Confidence float32
}

type mockClassifier struct {
	catalog labels.Catalog
	size    int
	steps   []Step
	delay   time.Duration
	mu      sync.Mutex
	next    int
	closed  bool
}

// NewMockClassifier cycles through steps forever. With no steps it always
// reports a uniform distribution.
func NewMockClassifier(catalog labels.Catalog, size int, steps []Step, delay time.Duration) Classifier {
	return &mockClassifier{catalog: catalog, size: size, steps: steps, delay: delay}
}

// ParseSteps reads a "label:confidence,label:confidence" script.
func ParseSteps(catalog labels.Catalog, script string) ([]Step, error) {
	var steps []Step
	for _, part := range strings.Split(script, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, conf, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("mock step %q: expected label:confidence", part)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(conf), 32)
		if err != nil {
			return nil, fmt.Errorf("mock step %q: %w", part, err)
		}
		if value < 0 || value > 1 {
			return nil, fmt.Errorf("mock step %q: confidence must be within [0,1]", part)
		}
		index := -1
		for i, l := range catalog.Labels() {
			if l == strings.TrimSpace(name) {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, fmt.Errorf("mock step %q: unknown label", part)
		}
		steps = append(steps, Step{Index: index, Confidence: float32(value)})
	}
	return steps, nil
}

func (m *mockClassifier) InputShape() []int64 { return inputShape(m.size) }

func (m *mockClassifier) Infer(ctx context.Context, tensor *frame.Tensor) (Prediction, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Prediction{}, fmt.Errorf("%w: model not loaded", ErrInference)
	}
	var step *Step
	if len(m.steps) > 0 {
		s := m.steps[m.next%len(m.steps)]
		m.next++
		step = &s
	}
	m.mu.Unlock()

	if err := checkShape(m.InputShape(), tensor); err != nil {
		return Prediction{}, err
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Prediction{}, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
		case <-time.After(m.delay):
		}
	}
	return NewPrediction(m.catalog, m.scores(step))
}

func (m *mockClassifier) scores(step *Step) []float32 {
	n := m.catalog.Len()
	scores := make([]float32, n)
	if step == nil {
		for i := range scores {
			scores[i] = 1 / float32(n)
		}
		return scores
	}
	rest := float32(0)
	if n > 1 {
		rest = (1 - step.Confidence) / float32(n-1)
	}
	for i := range scores {
		scores[i] = rest
	}
	scores[step.Index] = step.Confidence
	return scores
}

func (m *mockClassifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
