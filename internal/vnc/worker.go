package vnc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/junsooki/AirVNC/internal/transport"
)

// Worker owns one viewer connection and the handler serving it on a
// dedicated goroutine.
type Worker struct {
	id      string
	conn    net.Conn
	source  FrameSource
	factory HandlerFactory
	logger  *slog.Logger

	// handler is published only while Serve is running.
	handler atomic.Pointer[handlerRef]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeConnOnce sync.Once
	err           error
}

type handlerRef struct {
	ConnectionHandler
}

func newWorker(conn net.Conn, source FrameSource, factory HandlerFactory, logger *slog.Logger) *Worker {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:      id,
		conn:    conn,
		source:  source,
		factory: factory,
		logger:  logger.With("connection_id", id, "remote_addr", remoteAddr(conn)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (w *Worker) ID() string { return w.id }

// RemoteAddr returns the viewer's address.
func (w *Worker) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the error that ended the session. Valid after Done is closed.
func (w *Worker) Err() error {
	<-w.done
	return w.err
}

// MarkDirty forwards a dirty notification to the handler. It never blocks
// and does nothing while no handler is running.
func (w *Worker) MarkDirty() {
	if ref := w.handler.Load(); ref != nil {
		ref.MarkDirty()
	}
}

// Quit asks the worker to stop. It is safe to call any number of times.
func (w *Worker) Quit() { w.cancel() }

func (w *Worker) start() { go w.run() }

func (w *Worker) run() {
	defer close(w.done)
	defer w.cancel()

	w.err = w.serve()
	switch {
	case w.err == nil, transport.IsExpectedCloseError(w.err):
		w.logger.Debug("session ended", "error", w.err)
	default:
		w.logger.Warn("session failed", "error", w.err)
	}
}

func (w *Worker) serve() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			w.closeConn()
		}
	}()

	h := w.factory(w.conn, w.source, w.logger)
	if h == nil {
		w.closeConn()
		return fmt.Errorf("handler factory returned nil")
	}
	w.handler.Store(&handlerRef{h})
	defer func() {
		w.handler.Store(nil)
		if cerr := h.Close(); cerr != nil && !transport.IsExpectedCloseError(cerr) {
			w.logger.Debug("close handler", "error", cerr)
		}
	}()
	return h.Serve(w.ctx)
}

// closeConn closes the raw connection, forcing any blocked handler I/O to
// return.
func (w *Worker) closeConn() {
	w.closeConnOnce.Do(func() { _ = w.conn.Close() })
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
