package capture

import (
	"errors"
	"image"
	"sync"
)

// ErrNotRendering is returned by ReadPixelsInto when it is called outside a
// render-complete callback.
var ErrNotRendering = errors.New("capture: pixels are only readable during a render-complete callback")

// Surface is the frame producer the server captures from.
//
// Render-complete callbacks run synchronously on the producer's own
// goroutine, and ReadPixelsInto is only valid for the duration of such a
// callback. SubscribeRenderComplete and Unsubscribe must not invoke
// callbacks themselves, and Unsubscribe must not wait for a callback that
// is already running.
type Surface interface {
	// CurrentSize returns the logical surface size.
	CurrentSize() image.Point
	// ScaleFactor returns the device pixels per logical pixel.
	ScaleFactor() float64
	// ReadPixelsInto copies the current frame into dst, which is already
	// sized to CurrentSize × ScaleFactor.
	ReadPixelsInto(dst *image.RGBA) error
	SubscribeRenderComplete(callback func()) *Subscription
	Unsubscribe(sub *Subscription)
	// RequestRenderPass asks the producer to render at least one more frame.
	RequestRenderPass()
}

// Subscription is the handle returned by SubscribeRenderComplete.
type Subscription struct {
	id       uint64
	callback func()
}

// Notifier is the render-complete subscriber registry shared by the
// surfaces in this package. Emit snapshots the subscribers and calls them
// without holding the lock, so Unsubscribe never waits on a running callback.
type Notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*Subscription
}

// Subscribe registers callback and returns its handle.
func (n *Notifier) Subscribe(callback func()) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	sub := &Subscription{id: n.nextID, callback: callback}
	n.subs = append(n.subs, sub)
	return sub
}

// Unsubscribe removes sub. Unknown or nil handles are ignored.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Emit calls every subscriber on the calling goroutine.
func (n *Notifier) Emit() {
	n.mu.Lock()
	subs := make([]*Subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.callback()
	}
}

// ScaledSize returns size × scale rounded to whole device pixels.
func ScaledSize(size image.Point, scale float64) image.Point {
	if scale <= 0 {
		scale = 1
	}
	return image.Point{
		X: int(float64(size.X)*scale + 0.5),
		Y: int(float64(size.Y)*scale + 0.5),
	}
}

// copyPixels copies src into dst row by row. Both images must have the same
// bounds size.
func copyPixels(dst, src *image.RGBA) error {
	if dst.Bounds().Size() != src.Bounds().Size() {
		return errors.New("capture: destination size does not match surface")
	}
	rowBytes := src.Bounds().Dx() * 4
	for y := 0; y < src.Bounds().Dy(); y++ {
		d := dst.Pix[y*dst.Stride : y*dst.Stride+rowBytes]
		s := src.Pix[y*src.Stride : y*src.Stride+rowBytes]
		copy(d, s)
	}
	return nil
}
