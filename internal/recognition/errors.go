package recognition

import "errors"

var (
	// ErrModelNotLoaded rejects a start request issued before LoadModel.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("recognition controller closed")
)
