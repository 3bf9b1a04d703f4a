package display

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"

	"github.com/junsooki/AirVNC/internal/capture"
	"github.com/junsooki/AirVNC/internal/input"
)

// EbitenSurface is a capture.Surface whose frames come from an Ebitengine
// game loop. The screen image is readable only inside Draw, which is where
// render-complete subscribers are called.
type EbitenSurface struct {
	capture.Notifier

	title string

	mu      sync.Mutex
	size    image.Point
	scale   float64
	screen  *ebiten.Image // only non-nil while render-complete callbacks run
	pointer pointerState
	viewers int
	tick    int

	marker *ebiten.Image

	quit     chan struct{}
	stopOnce sync.Once
}

// NewEbitenSurface creates a surface with the given initial window size.
func NewEbitenSurface(width, height int, title string) *EbitenSurface {
	return &EbitenSurface{
		title: title,
		size:  image.Pt(width, height),
		scale: 1,
		quit:  make(chan struct{}),
	}
}

// Stop ends the game loop at the next Update.
func (s *EbitenSurface) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// Run opens the window and runs the game loop. Must be called from the
// main goroutine.
func (s *EbitenSurface) Run() error {
	size := s.CurrentSize()
	ebiten.SetWindowSize(size.X, size.Y)
	ebiten.SetWindowTitle(s.title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetRunnableOnUnfocused(true)
	return ebiten.RunGame(s)
}

func (s *EbitenSurface) CurrentSize() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *EbitenSurface) ScaleFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

func (s *EbitenSurface) ReadPixelsInto(dst *image.RGBA) error {
	s.mu.Lock()
	screen := s.screen
	s.mu.Unlock()
	if screen == nil {
		return capture.ErrNotRendering
	}
	if dst.Bounds().Size() != screen.Bounds().Size() || dst.Stride != dst.Bounds().Dx()*4 {
		return fmt.Errorf("display: destination %v does not match screen %v", dst.Bounds().Size(), screen.Bounds().Size())
	}
	screen.ReadPixels(dst.Pix)
	return nil
}

func (s *EbitenSurface) SubscribeRenderComplete(callback func()) *capture.Subscription {
	return s.Subscribe(callback)
}

// RequestRenderPass schedules a frame even when the game loop is idle.
func (s *EbitenSurface) RequestRenderPass() {
	ebiten.ScheduleFrame()
}

// Inject shows viewer pointer input on the surface.
func (s *EbitenSurface) Inject(ev *input.Event) error {
	if ev.Type != input.EventPointer {
		return nil
	}
	s.mu.Lock()
	s.pointer = pointerFromEvent(ev, s.scale)
	s.mu.Unlock()
	return nil
}

// --- ebiten.Game interface ---

func (s *EbitenSurface) Update() error {
	select {
	case <-s.quit:
		return ebiten.Termination
	default:
	}
	s.mu.Lock()
	s.tick++
	s.viewers = s.Len()
	s.mu.Unlock()
	return nil
}

func (s *EbitenSurface) Draw(screen *ebiten.Image) {
	s.drawScene(screen)

	if s.Len() == 0 {
		return
	}
	s.mu.Lock()
	s.screen = screen
	s.mu.Unlock()

	s.Emit()

	s.mu.Lock()
	s.screen = nil
	s.mu.Unlock()
}

// Layout renders at device resolution: the logical window size times the
// monitor's scale factor.
func (s *EbitenSurface) Layout(outsideWidth, outsideHeight int) (int, int) {
	scale := ebiten.Monitor().DeviceScaleFactor()
	s.mu.Lock()
	s.size = image.Pt(outsideWidth, outsideHeight)
	s.scale = scale
	s.mu.Unlock()

	device := capture.ScaledSize(image.Pt(outsideWidth, outsideHeight), scale)
	return device.X, device.Y
}

func (s *EbitenSurface) drawScene(screen *ebiten.Image) {
	s.mu.Lock()
	tick, pointer, viewers, scale := s.tick, s.pointer, s.viewers, s.scale
	s.mu.Unlock()

	screen.Fill(color.RGBA{R: 0x1e, G: 0x24, B: 0x30, A: 0xff})

	w := screen.Bounds().Dx()
	barWidth := max(w/16, 1)
	bar := ebiten.NewImage(barWidth, screen.Bounds().Dy())
	defer bar.Deallocate()
	bar.Fill(color.RGBA{R: 0x5a, G: 0x8d, B: 0xee, A: 0xff})
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Translate(float64((tick*4)%max(w, 1)), 0)
	screen.DrawImage(bar, op)

	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("%s  viewers: %d  tps: %0.1f", s.title, viewers, ebiten.ActualTPS()), 8, 8)

	if pointer.visible {
		if s.marker == nil {
			s.marker = ebiten.NewImage(8, 8)
		}
		c := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
		if pointer.buttons&input.ButtonLeft != 0 {
			c = color.RGBA{R: 0xff, G: 0x40, B: 0x40, A: 0xff}
		}
		s.marker.Fill(c)
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Translate(float64(pointer.pos.X)*scale-4, float64(pointer.pos.Y)*scale-4)
		screen.DrawImage(s.marker, op)
	}
}
