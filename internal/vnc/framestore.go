package vnc

import (
	"fmt"
	"image"
	"sync"

	"github.com/junsooki/AirVNC/internal/capture"
)

// frameStore is the shared frame buffer. Writers and readers are
// serialized by mu and readers only ever receive copies. Captures are read
// into spare and swapped in only when they complete, so a failed capture
// leaves the previous frame intact.
type frameStore struct {
	mu      sync.Mutex
	buf     *image.RGBA
	spare   *image.RGBA
	version uint64
}

// captureFrom copies the surface's current pixels into the buffer. It
// reports whether the buffer size changed.
func (f *frameStore) captureFrom(surface capture.Surface) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := capture.ScaledSize(surface.CurrentSize(), surface.ScaleFactor())
	if size.X <= 0 || size.Y <= 0 {
		return false, fmt.Errorf("surface size %dx%d is empty", size.X, size.Y)
	}

	dst := f.spare
	if dst == nil || dst.Bounds().Size() != size {
		dst = image.NewRGBA(image.Rectangle{Max: size})
	}
	f.spare = nil
	if err := surface.ReadPixelsInto(dst); err != nil {
		f.spare = dst
		return false, fmt.Errorf("read pixels: %w", err)
	}

	resized := f.buf == nil || f.buf.Bounds().Size() != size
	f.buf, f.spare = dst, f.buf
	f.version++
	return resized, nil
}

func (f *frameStore) snapshot() *image.RGBA {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf == nil {
		return nil
	}
	out := &image.RGBA{
		Pix:    make([]byte, len(f.buf.Pix)),
		Stride: f.buf.Stride,
		Rect:   f.buf.Rect,
	}
	copy(out.Pix, f.buf.Pix)
	return out
}

func (f *frameStore) currentVersion() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}
