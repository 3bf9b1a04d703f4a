package vnc

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/junsooki/AirVNC/internal/capture"
)

// fakeSurface renders synchronously: RequestRenderPass emits on the
// caller's goroutine and pixels are always readable.
type fakeSurface struct {
	capture.Notifier

	mu      sync.Mutex
	size    image.Point
	scale   float64
	fill    byte
	readErr error

	renderRequests atomic.Int32
	subscribes     atomic.Int32
}

func newFakeSurface(w, h int) *fakeSurface {
	return &fakeSurface{size: image.Pt(w, h), scale: 1}
}

func (f *fakeSurface) CurrentSize() image.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *fakeSurface) ScaleFactor() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scale
}

func (f *fakeSurface) ReadPixelsInto(dst *image.RGBA) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		// Fail partway through, the way a producer losing its surface does.
		tornWrite(dst)
		return f.readErr
	}
	for i := range dst.Pix {
		dst.Pix[i] = f.fill
	}
	return nil
}

func (f *fakeSurface) SubscribeRenderComplete(callback func()) *capture.Subscription {
	f.subscribes.Add(1)
	return f.Subscribe(callback)
}

func (f *fakeSurface) RequestRenderPass() {
	f.renderRequests.Add(1)
	f.Emit()
}

func (f *fakeSurface) set(w, h int, fill byte) {
	f.mu.Lock()
	f.size = image.Pt(w, h)
	f.fill = fill
	f.mu.Unlock()
}

func (f *fakeSurface) failReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// tornWrite scribbles over the first half of dst.
func tornWrite(dst *image.RGBA) {
	for i := range dst.Pix[:len(dst.Pix)/2] {
		dst.Pix[i] = 0xee
	}
}

// requireFill fails unless every byte of img equals fill.
func requireFill(t *testing.T, img *image.RGBA, fill byte) {
	t.Helper()
	if img == nil {
		t.Fatal("no frame captured")
	}
	for i, b := range img.Pix {
		if b != fill {
			t.Fatalf("pixel byte %d = %#x, want %#x", i, b, fill)
		}
	}
}

type handlerMode int

const (
	// untilCancelled returns when ctx is cancelled or the conn fails.
	untilCancelled handlerMode = iota
	// ignoresCancel returns only when its conn is closed.
	ignoresCancel
	// untilReleased returns only when release is closed.
	untilReleased
)

type fakeHandler struct {
	conn    net.Conn
	source  FrameSource
	mode    handlerMode
	release chan struct{}
	started chan struct{}

	dirty    atomic.Int32
	observed chan byte
}

func (h *fakeHandler) Serve(ctx context.Context) error {
	close(h.started)
	switch h.mode {
	case ignoresCancel:
		_, err := io.Copy(io.Discard, h.conn)
		return err
	case untilReleased:
		<-h.release
		return nil
	default:
		readErr := make(chan error, 1)
		go func() {
			_, err := io.Copy(io.Discard, h.conn)
			readErr <- err
		}()
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		}
	}
}

func (h *fakeHandler) MarkDirty() {
	h.dirty.Add(1)
	if fb := h.source.FrameBuffer(); fb != nil && len(fb.Pix) > 0 {
		select {
		case h.observed <- fb.Pix[0]:
		default:
		}
	}
}

func (h *fakeHandler) Close() error { return h.conn.Close() }

type fakeFactory struct {
	mode     handlerMode
	release  chan struct{}
	handlers chan *fakeHandler
}

func newFakeFactory(mode handlerMode) *fakeFactory {
	return &fakeFactory{
		mode:     mode,
		release:  make(chan struct{}),
		handlers: make(chan *fakeHandler, 128),
	}
}

func (f *fakeFactory) build(conn net.Conn, source FrameSource, _ *slog.Logger) ConnectionHandler {
	h := &fakeHandler{
		conn:     conn,
		source:   source,
		mode:     f.mode,
		release:  f.release,
		started:  make(chan struct{}),
		observed: make(chan byte, 16),
	}
	f.handlers <- h
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, surface capture.Surface, factory *fakeFactory) (*Server, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	s, err := New(cfg, surface,
		WithoutListener(),
		WithLogger(discardLogger()),
		WithMetrics(metrics),
		WithHandlerFactory(factory.build))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, metrics
}

// pipe returns the server end of an in-memory connection. The viewer end
// is closed when the test ends.
func pipe(t *testing.T) (server, viewer net.Conn) {
	t.Helper()
	server, viewer = net.Pipe()
	t.Cleanup(func() { _ = viewer.Close() })
	return server, viewer
}

var errReadFailed = errors.New("read failed")
