package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
)

// ScreenSurface captures a physical display with kbinani/screenshot. Each
// grab is one render pass; subscribers run on the capture goroutine while
// the grabbed image is readable.
type ScreenSurface struct {
	Notifier

	displayIndex int
	bounds       image.Rectangle
	fps          int
	requestCh    chan struct{}
	logger       *slog.Logger

	mu    sync.Mutex
	frame *image.RGBA
}

// NewScreenSurface creates a capturer for the given display at the given fps.
func NewScreenSurface(displayIndex, fps int, logger *slog.Logger) (*ScreenSurface, error) {
	if fps <= 0 || fps > 60 {
		return nil, fmt.Errorf("fps must be 1-60, got %d", fps)
	}
	count := screenshot.NumActiveDisplays()
	if displayIndex < 0 || displayIndex >= count {
		return nil, fmt.Errorf("display index %d out of range (have %d displays)", displayIndex, count)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreenSurface{
		displayIndex: displayIndex,
		bounds:       screenshot.GetDisplayBounds(displayIndex),
		fps:          fps,
		requestCh:    make(chan struct{}, 1),
		logger:       logger,
	}, nil
}

// CurrentSize returns the display bounds. Grabs are already in device
// pixels, so the scale factor is 1.
func (s *ScreenSurface) CurrentSize() image.Point {
	return s.bounds.Size()
}

func (s *ScreenSurface) ScaleFactor() float64 { return 1 }

func (s *ScreenSurface) SubscribeRenderComplete(callback func()) *Subscription {
	return s.Subscribe(callback)
}

func (s *ScreenSurface) RequestRenderPass() {
	select {
	case s.requestCh <- struct{}{}:
	default:
	}
}

func (s *ScreenSurface) ReadPixelsInto(dst *image.RGBA) error {
	s.mu.Lock()
	frame := s.frame
	s.mu.Unlock()
	if frame == nil {
		return ErrNotRendering
	}
	return copyPixels(dst, frame)
}

// Run grabs the display at the configured fps until ctx is cancelled.
// Grabs are skipped while nobody is subscribed.
func (s *ScreenSurface) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.requestCh:
		}
		if s.Len() == 0 {
			continue
		}
		s.grab()
	}
}

func (s *ScreenSurface) grab() {
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		s.logger.Warn("screen grab failed", "display", s.displayIndex, "error", err)
		return
	}

	s.mu.Lock()
	s.frame = img
	s.mu.Unlock()

	s.Emit()

	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}
