// Package capture opens camera streams and hands out their latest frame.
package capture

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/frame"
)

// Device is a camera that can be opened into a live stream.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers frames from an open device.
type Stream interface {
	// Frame blocks until a frame newer than the previous call is available,
	// the stream ends (ErrStreamClosed) or ctx is done.
	Frame(ctx context.Context) (frame.RawFrame, error)
	// Size is the actual frame size, which may differ from the request.
	Size() (width, height int)
	Close() error
}

// New builds the device selected by cfg.Mode.
func New(cfg config.CaptureConfig) (Device, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecDevice(cfg.Command, cfg.Width, cfg.Height)
	case "still":
		return NewStillDevice(cfg.Path), nil
	case "mock", "":
		return NewMockDevice(cfg.Width, cfg.Height), nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}
