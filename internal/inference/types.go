package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/loqalabs/loqa-sign/internal/labels"
)

// Classifier is the contract for sign classification backends. Infer must
// not be called again on the same instance before the previous call returns.
type Classifier interface {
	Infer(ctx context.Context, tensor *frame.Tensor) (Prediction, error)
	InputShape() []int64
	Close() error
}

// Prediction holds one probability per catalog label, in catalog order.
type Prediction struct {
	Labels        []string
	Probabilities []float32
}

// Argmax returns the most probable label and its probability. Ties resolve to
// the lowest index.
func (p Prediction) Argmax() (string, float64) {
	if len(p.Probabilities) == 0 {
		return labels.Unknown, 0
	}
	best := 0
	for i, v := range p.Probabilities {
		if v > p.Probabilities[best] {
			best = i
		}
	}
	label := labels.Unknown
	if best < len(p.Labels) {
		label = p.Labels[best]
	}
	return label, float64(p.Probabilities[best])
}

// NewPrediction pairs raw scores with the catalog. A model may report more
// classes than the catalog names; the extra indices read as labels.Unknown.
// Fewer scores than labels, or any negative or NaN score, is an error.
func NewPrediction(catalog labels.Catalog, scores []float32) (Prediction, error) {
	if len(scores) < catalog.Len() {
		return Prediction{}, fmt.Errorf("%w: got %d scores for %d labels", ErrInference, len(scores), catalog.Len())
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || v < 0 {
			return Prediction{}, fmt.Errorf("%w: invalid probability %v at index %d", ErrInference, v, i)
		}
	}
	return Prediction{
		Labels:        catalog.Labels(),
		Probabilities: append([]float32(nil), scores...),
	}, nil
}

func checkShape(want []int64, tensor *frame.Tensor) error {
	if tensor == nil || tensor.Data == nil {
		return fmt.Errorf("%w: empty tensor", ErrInference)
	}
	if got := tensor.Shape(); !frame.ShapeEqual(got, want) {
		return fmt.Errorf("%w: tensor shape %v does not match model input %v", ErrInference, got, want)
	}
	return nil
}

func inputShape(size int) []int64 {
	return []int64{1, int64(size), int64(size), frame.Channels}
}
