package vnc

import (
	"context"
	"image"
	"log/slog"
	"net"
	"testing"

	"github.com/junsooki/AirVNC/internal/cursor"
	"github.com/junsooki/AirVNC/internal/testutil"
)

type nopSource struct{}

func (nopSource) FrameBuffer() *image.RGBA { return nil }
func (nopSource) Cursor() cursor.Cursor    { return cursor.Cursor{} }

func TestMarkDirtyWithoutHandler(t *testing.T) {
	conn, _ := pipe(t)
	factory := newFakeFactory(untilCancelled)
	w := newWorker(conn, nopSource{}, factory.build, discardLogger())

	// Not started: no handler yet.
	w.MarkDirty()
	w.MarkDirty()

	w.start()
	h := testutil.RequireReceive(t, factory.handlers, "handler")
	testutil.RequireClosed(t, h.started, "handler start")
	w.MarkDirty()
	if got := h.dirty.Load(); got != 1 {
		t.Fatalf("dirty = %d, want 1", got)
	}

	w.Quit()
	w.Quit()
	testutil.RequireClosed(t, w.Done(), "worker exit")

	// Torn down: handler unpublished.
	w.MarkDirty()
	if got := h.dirty.Load(); got != 1 {
		t.Fatalf("dirty after exit = %d, want 1", got)
	}
	if err := w.Err(); err != nil {
		t.Fatalf("Err = %v, want nil after Quit", err)
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	conn, viewer := pipe(t)
	w := newWorker(conn, nopSource{}, func(net.Conn, FrameSource, *slog.Logger) ConnectionHandler {
		return panicHandler{}
	}, discardLogger())
	w.start()

	testutil.RequireClosed(t, w.Done(), "worker exit")
	if w.Err() == nil {
		t.Fatal("Err = nil, want panic error")
	}
	if _, err := viewer.Write([]byte{0}); err == nil {
		t.Fatal("connection left open after handler panic")
	}
}

func TestWorkerNilHandler(t *testing.T) {
	conn, _ := pipe(t)
	w := newWorker(conn, nopSource{}, func(net.Conn, FrameSource, *slog.Logger) ConnectionHandler {
		return nil
	}, discardLogger())
	w.start()
	testutil.RequireClosed(t, w.Done(), "worker exit")
	if w.Err() == nil {
		t.Fatal("Err = nil, want factory error")
	}
}

type panicHandler struct{}

func (panicHandler) Serve(context.Context) error { panic("boom") }
func (panicHandler) MarkDirty()                  {}
func (panicHandler) Close() error                { return nil }
