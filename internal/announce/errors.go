package announce

import "errors"

// ErrEmptyInput rejects typed text that is blank after trimming.
var ErrEmptyInput = errors.New("empty input")
