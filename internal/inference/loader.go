package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/labels"
)

// Load builds the classifier selected by cfg.Mode. Failures wrap ErrModelLoad.
func Load(ctx context.Context, cfg config.ModelConfig, catalog labels.Catalog) (Classifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	switch cfg.Mode {
	case "onnx":
		return NewONNXClassifier(cfg, catalog)
	case "exec":
		return NewExecClassifier(cfg.Command, catalog, cfg.InputSize)
	case "mock", "":
		steps, err := ParseSteps(catalog, cfg.MockSequence)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		return NewMockClassifier(catalog, cfg.InputSize, steps, 5*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("%w: unsupported model mode %q", ErrModelLoad, cfg.Mode)
	}
}
