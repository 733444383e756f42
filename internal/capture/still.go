package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/loqalabs/loqa-sign/internal/frame"
)

// StillDevice serves a single image file as an endless stream. Useful for
// kiosks without a camera and for demos.
type StillDevice struct {
	path string
}

func NewStillDevice(path string) *StillDevice {
	return &StillDevice{path: path}
}

func (d *StillDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Open(d.path, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return newStaticStream(img), nil
}

// staticStream repeats one image with an increasing sequence number.
type staticStream struct {
	img    image.Image
	mu     sync.Mutex
	seq    int64
	limit  int64
	closed bool
}

func newStaticStream(img image.Image) *staticStream {
	return &staticStream{img: img}
}

func (s *staticStream) Frame(ctx context.Context) (frame.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return frame.RawFrame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.limit > 0 && s.seq >= s.limit) {
		return frame.RawFrame{}, ErrStreamClosed
	}
	s.seq++
	return frame.RawFrame{Image: s.img, Sequence: s.seq, Captured: time.Now()}, nil
}

func (s *staticStream) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *staticStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
