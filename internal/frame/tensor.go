package frame

import (
	"slices"
	"sync"
)

// Channels is the number of colour channels fed to the classifier.
const Channels = 3

// Tensor is a [1, Size, Size, 3] float32 image in NHWC order with values in
// [0,1]. Its storage is pooled; call Release once the owning inference call
// is done and do not touch Data afterwards.
type Tensor struct {
	Size int
	Data []float32
	pool *sync.Pool
}

// Shape returns the tensor dimensions including the batch axis.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Size), int64(t.Size), Channels}
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Size+x)*Channels+c]
}

// Release hands the storage back to the pool. Safe to call more than once.
func (t *Tensor) Release() {
	if t == nil || t.Data == nil {
		return
	}
	if t.pool != nil {
		buf := t.Data
		t.pool.Put(&buf)
	}
	t.Data = nil
}

// ShapeEqual compares two tensor shapes.
func ShapeEqual(a, b []int64) bool {
	return slices.Equal(a, b)
}
