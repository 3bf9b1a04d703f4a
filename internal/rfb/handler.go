// Package rfb implements the built-in RFB 3.3 connection handler.
package rfb

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junsooki/AirVNC/internal/cursor"
	"github.com/junsooki/AirVNC/internal/encoder"
	"github.com/junsooki/AirVNC/internal/input"
)

// FrameSource provides the frames and cursor a handler sends.
type FrameSource interface {
	FrameBuffer() *image.RGBA
	Cursor() cursor.Cursor
}

// Options configure a Handler.
type Options struct {
	// Name is the desktop name sent in ServerInit.
	Name string
	// UpdateInterval is the period of the update timer started by the
	// first FramebufferUpdateRequest.
	UpdateInterval time.Duration
	// Injector receives pointer and key events. Optional.
	Injector input.Injector
	Logger   *slog.Logger
}

// Handler serves one viewer. All writes to the connection happen on the
// Serve goroutine; a reader goroutine parses client messages.
type Handler struct {
	conn   net.Conn
	source FrameSource
	opts   Options
	logger *slog.Logger

	dirty     atomic.Bool
	wake      chan struct{}
	requestCh chan struct{}

	mu          sync.Mutex
	encoder     encoder.Encoder
	requested   bool
	desktopSize bool
	cursorShape bool
	cursorSent  bool
	size        image.Point

	closeOnce sync.Once
	closeErr  error
}

// NewHandler returns a handler for conn.
func NewHandler(conn net.Conn, source FrameSource, opts Options) *Handler {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 30 * time.Millisecond
	}
	if opts.Name == "" {
		opts.Name = "AirVNC"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enc, _ := encoder.NewRawEncoder(encoder.ServerFormat)
	return &Handler{
		conn:      conn,
		source:    source,
		opts:      opts,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		requestCh: make(chan struct{}, 1),
		encoder:   enc,
	}
}

// MarkDirty records that a new frame is available. It never blocks.
func (h *Handler) MarkDirty() {
	h.dirty.Store(true)
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Close closes the connection.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() { h.closeErr = h.conn.Close() })
	return h.closeErr
}

// Serve runs the session. It returns nil when ctx is cancelled.
func (h *Handler) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	defer stop()

	err := h.serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Handler) serve(ctx context.Context) error {
	r := bufio.NewReader(h.conn)
	if err := h.handshake(ctx, r); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- h.readLoop(r) }()

	var tick <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-h.requestCh:
			if tick == nil {
				ticker := time.NewTicker(h.opts.UpdateInterval)
				defer ticker.Stop()
				tick = ticker.C
			}
		case <-tick:
			if err := h.sendUpdate(); err != nil {
				return fmt.Errorf("send update: %w", err)
			}
		}
	}
}

func (h *Handler) handshake(ctx context.Context, r *bufio.Reader) error {
	if _, err := io.WriteString(h.conn, ProtocolVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	version := make([]byte, len(ProtocolVersion))
	if _, err := io.ReadFull(r, version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if !strings.HasPrefix(string(version), "RFB 003.") {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, strings.TrimSpace(string(version)))
	}

	if err := binary.Write(h.conn, binary.BigEndian, securityNone); err != nil {
		return fmt.Errorf("write security type: %w", err)
	}
	// ClientInit: shared flag, ignored.
	if _, err := r.ReadByte(); err != nil {
		return fmt.Errorf("read client init: %w", err)
	}

	fb, err := h.waitFrame(ctx)
	if err != nil {
		return err
	}
	h.size = fb.Bounds().Size()

	format, _ := encoder.ServerFormat.MarshalBinary()
	msg := make([]byte, 0, 24+len(h.opts.Name))
	msg = binary.BigEndian.AppendUint16(msg, uint16(h.size.X))
	msg = binary.BigEndian.AppendUint16(msg, uint16(h.size.Y))
	msg = append(msg, format...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(h.opts.Name)))
	msg = append(msg, h.opts.Name...)
	if _, err := h.conn.Write(msg); err != nil {
		return fmt.Errorf("write server init: %w", err)
	}
	h.logger.Debug("handshake complete", "width", h.size.X, "height", h.size.Y)
	return nil
}

// waitFrame blocks until the first frame has been captured.
func (h *Handler) waitFrame(ctx context.Context) (*image.RGBA, error) {
	for {
		if fb := h.source.FrameBuffer(); fb != nil {
			return fb, nil
		}
		select {
		case <-h.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Handler) readLoop(r *bufio.Reader) error {
	for {
		msgType, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch msgType {
		case msgSetPixelFormat:
			err = h.readSetPixelFormat(r)
		case msgFixColourMapEntries:
			err = h.readFixColourMapEntries(r)
		case msgSetEncodings:
			err = h.readSetEncodings(r)
		case msgFramebufferUpdateRequest:
			err = h.readUpdateRequest(r)
		case msgKeyEvent:
			err = h.readKeyEvent(r)
		case msgPointerEvent:
			err = h.readPointerEvent(r)
		case msgClientCutText:
			err = h.readCutText(r)
		default:
			return fmt.Errorf("%w: type %d", ErrUnknownMessage, msgType)
		}
		if err != nil {
			return err
		}
	}
}

func (h *Handler) readSetPixelFormat(r io.Reader) error {
	var b [3 + encoder.PixelFormatSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	var pf encoder.PixelFormat
	if err := pf.UnmarshalBinary(b[3:]); err != nil {
		return err
	}
	enc, err := encoder.NewRawEncoder(pf)
	if err != nil {
		return fmt.Errorf("set pixel format: %w", err)
	}
	h.mu.Lock()
	h.encoder = enc
	h.cursorSent = false
	h.mu.Unlock()
	return nil
}

func (h *Handler) readFixColourMapEntries(r io.Reader) error {
	var b [5]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	n := int64(binary.BigEndian.Uint16(b[3:])) * 6
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func (h *Handler) readSetEncodings(r io.Reader) error {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	encodings := make([]int32, binary.BigEndian.Uint16(b[1:]))
	if err := binary.Read(r, binary.BigEndian, encodings); err != nil {
		return err
	}
	var desktopSize, cursorShape bool
	for _, e := range encodings {
		switch e {
		case EncodingDesktopSize:
			desktopSize = true
		case EncodingCursor:
			cursorShape = true
		}
	}
	h.mu.Lock()
	h.desktopSize = desktopSize
	if cursorShape && !h.cursorShape {
		h.cursorSent = false
	}
	h.cursorShape = cursorShape
	h.mu.Unlock()
	h.logger.Debug("encodings set", "encodings", encodings)
	return nil
}

func (h *Handler) readUpdateRequest(r io.Reader) error {
	var b [9]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	if b[0] == 0 {
		h.dirty.Store(true)
	}
	h.mu.Lock()
	h.requested = true
	h.mu.Unlock()
	select {
	case h.requestCh <- struct{}{}:
	default:
	}
	return nil
}

func (h *Handler) readKeyEvent(r io.Reader) error {
	var b [7]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	h.inject(input.KeyEvent(binary.BigEndian.Uint32(b[3:]), b[0] != 0))
	return nil
}

func (h *Handler) readPointerEvent(r io.Reader) error {
	var b [5]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	h.inject(input.PointerEvent(binary.BigEndian.Uint16(b[1:]), binary.BigEndian.Uint16(b[3:]), b[0]))
	return nil
}

func (h *Handler) readCutText(r io.Reader) error {
	var b [7]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(b[3:])
	if n > maxCutText {
		return fmt.Errorf("client cut text too long: %d bytes", n)
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

func (h *Handler) inject(ev *input.Event) {
	if h.opts.Injector == nil {
		return
	}
	if err := h.opts.Injector.Inject(ev); err != nil {
		h.logger.Debug("inject input", "type", ev.Type, "error", err)
	}
}

// sendUpdate writes a FramebufferUpdate when the viewer has asked for one
// and a new frame is available.
func (h *Handler) sendUpdate() error {
	h.mu.Lock()
	if !h.requested {
		h.mu.Unlock()
		return nil
	}
	// Clear before the snapshot so a MarkDirty racing with it survives.
	if !h.dirty.Swap(false) {
		h.mu.Unlock()
		return nil
	}
	fb := h.source.FrameBuffer()
	if fb == nil {
		h.dirty.Store(true)
		h.mu.Unlock()
		return nil
	}
	h.requested = false

	enc := h.encoder
	size := fb.Bounds().Size()
	resize := h.desktopSize && size != h.size
	if resize {
		h.size = size
	}
	sendCursor := h.cursorShape && !h.cursorSent
	h.cursorSent = h.cursorSent || sendCursor
	clientSize := h.size
	h.mu.Unlock()

	var msg []byte
	if resize {
		msg = updateHeader(msg, 1)
		msg = rectHeader(msg, image.Rectangle{Max: size}, EncodingDesktopSize)
	}

	rects := 1
	if sendCursor {
		rects++
	}
	msg = updateHeader(msg, rects)
	area := image.Rectangle{Max: clientSize}.Intersect(fb.Bounds())
	msg = rectHeader(msg, area, EncodingRaw)
	msg = enc.Encode(msg, fb, area)
	if sendCursor {
		msg = h.appendCursor(msg, enc)
	}

	_, err := h.conn.Write(msg)
	return err
}

func (h *Handler) appendCursor(msg []byte, enc encoder.Encoder) []byte {
	c := h.source.Cursor()
	if c.Empty() {
		return rectHeader(msg, image.Rectangle{}, EncodingCursor)
	}
	bounds := c.Image.Bounds()
	r := image.Rectangle{Min: c.Hotspot, Max: c.Hotspot.Add(bounds.Size())}
	msg = rectHeader(msg, r, EncodingCursor)
	msg = enc.Encode(msg, c.Image, bounds)
	return append(msg, cursorMask(c.Image)...)
}
