package frame

import (
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// Normalizer turns camera frames into classifier input tensors. It keeps one
// buffer pool per target size so tensors can be recycled between cycles.
type Normalizer struct {
	size int
	pool *sync.Pool
}

// NewNormalizer returns a normalizer producing size×size tensors.
func NewNormalizer(size int) *Normalizer {
	return &Normalizer{
		size: size,
		pool: &sync.Pool{
			New: func() any {
				buf := make([]float32, size*size*Channels)
				return &buf
			},
		},
	}
}

// Normalize center-crops f to a square, resizes it to the target size with
// nearest-neighbour sampling and scales channels to [0,1].
func (n *Normalizer) Normalize(f RawFrame) (*Tensor, error) {
	if n.size <= 0 {
		return nil, fmt.Errorf("%w: target size %d", ErrInvalidFrame, n.size)
	}
	w, h := f.Width(), f.Height()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidFrame, w, h)
	}

	resized := cropResize(f.Image, n.size)

	bufPtr := n.pool.Get().(*[]float32)
	buf := *bufPtr
	if len(buf) != n.size*n.size*Channels {
		buf = make([]float32, n.size*n.size*Channels)
	}
	fill(buf, resized, n.size)
	return &Tensor{Size: n.size, Data: buf, pool: n.pool}, nil
}

// Normalize is a one-off helper for callers without a long-lived Normalizer.
func Normalize(f RawFrame, size int) (*Tensor, error) {
	return NewNormalizer(size).Normalize(f)
}

func cropResize(img image.Image, size int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	s := min(w, h)
	sx := b.Min.X + (w-s)/2
	sy := b.Min.Y + (h-s)/2
	cropped := imaging.Crop(img, image.Rect(sx, sy, sx+s, sy+s))
	return imaging.Resize(cropped, size, size, imaging.NearestNeighbor)
}

func fill(dst []float32, img *image.NRGBA, size int) {
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			i := (y*size + x) * Channels
			dst[i] = float32(row[x*4]) / 255.0
			dst[i+1] = float32(row[x*4+1]) / 255.0
			dst[i+2] = float32(row[x*4+2]) / 255.0
		}
	}
}
