package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/junsooki/AirVNC/internal/input"
)

// PatternSurface renders a moving test pattern on its own goroutine. It is
// the default producer and the one used by tests.
type PatternSurface struct {
	Notifier

	fps       int
	requestCh chan struct{}
	renderMu  sync.Mutex

	mu      sync.Mutex
	size    image.Point
	scale   float64
	frame   *image.RGBA // only non-nil while render-complete callbacks run
	scratch *image.RGBA
	tick    int
	pointer image.Point
	buttons uint8
}

// NewPatternSurface creates a pattern producer of the given logical size.
func NewPatternSurface(width, height int, scale float64, fps int) (*PatternSurface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("surface size must be positive, got %dx%d", width, height)
	}
	if fps <= 0 || fps > 60 {
		return nil, fmt.Errorf("fps must be 1-60, got %d", fps)
	}
	if scale <= 0 {
		scale = 1
	}
	return &PatternSurface{
		fps:       fps,
		requestCh: make(chan struct{}, 1),
		size:      image.Pt(width, height),
		scale:     scale,
	}, nil
}

func (p *PatternSurface) CurrentSize() image.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *PatternSurface) ScaleFactor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scale
}

// Resize changes the logical size. It takes effect on the next render.
func (p *PatternSurface) Resize(width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = image.Pt(width, height)
}

// SetScale changes the scale factor. It takes effect on the next render.
func (p *PatternSurface) SetScale(scale float64) {
	if scale <= 0 {
		scale = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scale = scale
}

func (p *PatternSurface) SubscribeRenderComplete(callback func()) *Subscription {
	return p.Subscribe(callback)
}

// RequestRenderPass schedules a render on the Run goroutine. Requests
// coalesce while one is pending.
func (p *PatternSurface) RequestRenderPass() {
	select {
	case p.requestCh <- struct{}{}:
	default:
	}
}

func (p *PatternSurface) ReadPixelsInto(dst *image.RGBA) error {
	p.mu.Lock()
	frame := p.frame
	p.mu.Unlock()
	if frame == nil {
		return ErrNotRendering
	}
	return copyPixels(dst, frame)
}

// Inject records viewer pointer input; the pattern draws a marker at the
// last pointer position.
func (p *PatternSurface) Inject(e *input.Event) error {
	if e.Type != input.EventPointer {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pointer = image.Pt(int(e.X), int(e.Y))
	p.buttons = e.Buttons
	return nil
}

// Run renders at the configured fps and on every RequestRenderPass until
// ctx is cancelled.
func (p *PatternSurface) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RenderOnce()
		case <-p.requestCh:
			p.RenderOnce()
		}
	}
}

// RenderOnce draws one frame and emits render-complete on the calling
// goroutine. The frame is readable only until the subscribers return.
func (p *PatternSurface) RenderOnce() {
	p.renderMu.Lock()
	defer p.renderMu.Unlock()

	p.mu.Lock()
	size := ScaledSize(p.size, p.scale)
	if p.scratch == nil || p.scratch.Bounds().Size() != size {
		p.scratch = image.NewRGBA(image.Rectangle{Max: size})
	}
	p.tick++
	drawPattern(p.scratch, p.tick, p.pointer, p.buttons)
	p.frame = p.scratch
	p.mu.Unlock()

	p.Emit()

	p.mu.Lock()
	p.frame = nil
	p.mu.Unlock()
}

// Frame returns a copy of the last rendered frame, or nil before the first
// render.
func (p *PatternSurface) Frame() *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scratch == nil {
		return nil
	}
	out := image.NewRGBA(p.scratch.Rect)
	copy(out.Pix, p.scratch.Pix)
	return out
}

func drawPattern(img *image.RGBA, tick int, pointer image.Point, buttons uint8) {
	b := img.Bounds()
	bar := (tick * 4) % max(b.Dx(), 1)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / max(b.Dx(), 1)),
				G: uint8(y * 255 / max(b.Dy(), 1)),
				B: uint8(tick),
				A: 0xff,
			}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			img.SetRGBA(x, y, c)
		}
	}

	marker := color.RGBA{R: 0xff, A: 0xff}
	if buttons != 0 {
		marker = color.RGBA{G: 0xff, A: 0xff}
	}
	for y := pointer.Y - 3; y <= pointer.Y+3; y++ {
		for x := pointer.X - 3; x <= pointer.X+3; x++ {
			if image.Pt(x, y).In(b) {
				img.SetRGBA(x, y, marker)
			}
		}
	}
}
