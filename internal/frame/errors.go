package frame

import "errors"

// ErrInvalidFrame reports a degenerate frame or target size.
var ErrInvalidFrame = errors.New("invalid frame")
