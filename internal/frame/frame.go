package frame

import (
	"image"
	"time"
)

// RawFrame is one captured image. It is only valid until the next frame is
// grabbed from the same stream.
type RawFrame struct {
	Image    image.Image
	Sequence int64
	Captured time.Time
}

// Width returns the frame width in pixels, 0 for an empty frame.
func (f RawFrame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels, 0 for an empty frame.
func (f RawFrame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
