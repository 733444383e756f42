package inference

import "errors"

var (
	// ErrModelLoad reports an unreachable or malformed model.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference reports a failed call: model unavailable, shape mismatch or
	// an unusable output. Callers treat it as retryable on the next cycle.
	ErrInference = errors.New("inference failed")
)
