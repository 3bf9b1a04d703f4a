package vnc

import (
	"context"
	"image"
	"log/slog"
	"net"

	"github.com/junsooki/AirVNC/internal/cursor"
	"github.com/junsooki/AirVNC/internal/input"
	"github.com/junsooki/AirVNC/internal/rfb"
)

// FrameSource is the query-only view of the server a handler receives.
type FrameSource interface {
	// FrameBuffer returns a copy of the latest captured frame, or nil
	// before the first capture.
	FrameBuffer() *image.RGBA
	Cursor() cursor.Cursor
}

// ConnectionHandler speaks the remote-framebuffer protocol for one viewer.
type ConnectionHandler interface {
	// Serve runs the session until the viewer disconnects, the protocol
	// fails or ctx is cancelled. Its return is the disconnect signal.
	Serve(ctx context.Context) error
	// MarkDirty reports that a new frame is available. It must not block.
	MarkDirty()
	Close() error
}

// HandlerFactory builds the handler for an adopted connection. It runs on
// the worker's goroutine.
type HandlerFactory func(conn net.Conn, source FrameSource, logger *slog.Logger) ConnectionHandler

// RFBHandlerFactory returns a factory producing the built-in RFB 3.3
// handler. Viewer input is forwarded to injector when it is non-nil.
func RFBHandlerFactory(cfg Config, injector input.Injector) HandlerFactory {
	cfg = cfg.withDefaults()
	return func(conn net.Conn, source FrameSource, logger *slog.Logger) ConnectionHandler {
		return rfb.NewHandler(conn, source, rfb.Options{
			Name:           cfg.Name,
			UpdateInterval: cfg.UpdateInterval,
			Injector:       injector,
			Logger:         logger,
		})
	}
}
