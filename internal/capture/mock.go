package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// MockDevice produces a synthetic gradient of the requested size. OpenErr
// makes Open fail and MaxFrames ends the stream after that many frames.
type MockDevice struct {
	Width     int
	Height    int
	OpenErr   error
	MaxFrames int64

	mu    sync.Mutex
	opens int
}

func NewMockDevice(width, height int) *MockDevice {
	return &MockDevice{Width: width, Height: height}
}

func (d *MockDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := newStaticStream(gradient(d.Width, d.Height))
	s.limit = d.MaxFrames
	return s, nil
}

// Opens reports how many times Open was called.
func (d *MockDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func gradient(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, max(width, 1), max(height, 1)))
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / b.Dx()),
				G: uint8(y * 255 / b.Dy()),
				B: 0x80,
				A: 0xff,
			})
		}
	}
	return img
}
