package rfb

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/junsooki/AirVNC/internal/cursor"
	"github.com/junsooki/AirVNC/internal/encoder"
	"github.com/junsooki/AirVNC/internal/input"
	"github.com/junsooki/AirVNC/internal/testutil"
)

type testSource struct {
	mu     sync.Mutex
	frame  *image.RGBA
	cursor cursor.Cursor
}

func newTestSource(t *testing.T, w, h int) *testSource {
	t.Helper()
	c, err := cursor.Provider{}.Create(cursor.Arrow)
	if err != nil {
		t.Fatalf("Create cursor: %v", err)
	}
	s := &testSource{cursor: c}
	if w > 0 {
		s.setFrame(w, h, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff})
	}
	return s
}

func (s *testSource) setFrame(w, h int, c color.RGBA) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	s.mu.Lock()
	s.frame = img
	s.mu.Unlock()
}

func (s *testSource) FrameBuffer() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *testSource) Cursor() cursor.Cursor { return s.cursor }

type recordingInjector struct {
	events chan *input.Event
}

func (r *recordingInjector) Inject(ev *input.Event) error {
	r.events <- ev
	return nil
}

type session struct {
	t       *testing.T
	conn    net.Conn
	handler *Handler
	cancel  context.CancelFunc
	done    chan error
	exited  chan struct{}
}

func startSession(t *testing.T, source FrameSource, opts Options) *session {
	t.Helper()
	server, client := net.Pipe()
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 5 * time.Millisecond
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(server, source, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		done <- h.Serve(ctx)
		_ = h.Close()
	}()

	s := &session{t: t, conn: client, handler: h, cancel: cancel, done: done, exited: exited}
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-exited
	})
	return s
}

func (s *session) read(n int) []byte {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b := make([]byte, n)
	if _, err := io.ReadFull(s.conn, b); err != nil {
		s.t.Fatalf("read %d bytes: %v", n, err)
	}
	return b
}

func (s *session) write(b []byte) {
	s.t.Helper()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.conn.Write(b); err != nil {
		s.t.Fatalf("write: %v", err)
	}
}

// expectSilence fails if the server sends anything within d.
func (s *session) expectSilence(d time.Duration) {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
	var b [1]byte
	if n, err := s.conn.Read(b[:]); err == nil {
		s.t.Fatalf("unexpected %d byte(s) from server: % x", n, b[:n])
	}
}

type serverInit struct {
	width, height int
	format        encoder.PixelFormat
	name          string
}

func (s *session) handshake() serverInit {
	s.t.Helper()
	if got := string(s.read(12)); got != ProtocolVersion {
		s.t.Fatalf("server version = %q", got)
	}
	s.write([]byte(ProtocolVersion))
	if sec := binary.BigEndian.Uint32(s.read(4)); sec != 1 {
		s.t.Fatalf("security type = %d, want 1", sec)
	}
	s.write([]byte{1})

	b := s.read(24)
	var init serverInit
	init.width = int(binary.BigEndian.Uint16(b[0:]))
	init.height = int(binary.BigEndian.Uint16(b[2:]))
	if err := init.format.UnmarshalBinary(b[4:20]); err != nil {
		s.t.Fatalf("pixel format: %v", err)
	}
	init.name = string(s.read(int(binary.BigEndian.Uint32(b[20:]))))
	return init
}

func (s *session) requestUpdate(incremental bool, w, h int) {
	s.t.Helper()
	b := []byte{msgFramebufferUpdateRequest, 0, 0, 0, 0, 0}
	if incremental {
		b[1] = 1
	}
	b = binary.BigEndian.AppendUint16(b, uint16(w))
	b = binary.BigEndian.AppendUint16(b, uint16(h))
	s.write(b)
}

func (s *session) setEncodings(encodings ...int32) {
	s.t.Helper()
	b := []byte{msgSetEncodings, 0}
	b = binary.BigEndian.AppendUint16(b, uint16(len(encodings)))
	for _, e := range encodings {
		b = binary.BigEndian.AppendUint32(b, uint32(e))
	}
	s.write(b)
}

type rect struct {
	r        image.Rectangle
	encoding int32
}

// readUpdateHeader reads a FramebufferUpdate header and returns the
// number of rectangles.
func (s *session) readUpdateHeader() int {
	s.t.Helper()
	b := s.read(4)
	if b[0] != msgFramebufferUpdate {
		s.t.Fatalf("message type = %d, want FramebufferUpdate", b[0])
	}
	return int(binary.BigEndian.Uint16(b[2:]))
}

func (s *session) readRect() rect {
	s.t.Helper()
	b := s.read(12)
	x := int(binary.BigEndian.Uint16(b[0:]))
	y := int(binary.BigEndian.Uint16(b[2:]))
	w := int(binary.BigEndian.Uint16(b[4:]))
	h := int(binary.BigEndian.Uint16(b[6:]))
	return rect{
		r:        image.Rect(x, y, x+w, y+h),
		encoding: int32(binary.BigEndian.Uint32(b[8:])),
	}
}

func TestHandshake(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{Name: "studio"})
	init := s.handshake()

	if init.width != 4 || init.height != 2 {
		t.Fatalf("size = %dx%d, want 4x2", init.width, init.height)
	}
	if init.format != encoder.ServerFormat {
		t.Fatalf("format = %+v, want %+v", init.format, encoder.ServerFormat)
	}
	if init.name != "studio" {
		t.Fatalf("name = %q, want %q", init.name, "studio")
	}
}

func TestHandshakeWaitsForFirstFrame(t *testing.T) {
	source := newTestSource(t, 0, 0)
	s := startSession(t, source, Options{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		source.setFrame(6, 3, color.RGBA{A: 0xff})
		s.handler.MarkDirty()
	}()

	init := s.handshake()
	if init.width != 6 || init.height != 3 {
		t.Fatalf("size = %dx%d, want 6x3", init.width, init.height)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{})
	s.read(12)
	s.write([]byte("RFB 004.000\n"))

	err := testutil.RequireReceive(t, s.done, "Serve to return")
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Serve = %v, want ErrUnsupportedVersion", err)
	}
}

func TestUpdateNeedsRequestAndDirtyFrame(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{})
	s.handshake()

	// Dirty but not requested.
	s.handler.MarkDirty()
	s.expectSilence(50 * time.Millisecond)

	s.requestUpdate(true, 4, 2)
	if n := s.readUpdateHeader(); n != 1 {
		t.Fatalf("rects = %d, want 1", n)
	}
	r := s.readRect()
	if r.r != image.Rect(0, 0, 4, 2) || r.encoding != EncodingRaw {
		t.Fatalf("rect = %+v, want raw 4x2", r)
	}
	pixels := s.read(4 * 2 * 4)
	if got := pixels[:4]; got[0] != 0x30 || got[1] != 0x20 || got[2] != 0x10 {
		t.Fatalf("first pixel = % x, want 30 20 10 00", got)
	}

	// Requested but not dirty.
	s.requestUpdate(true, 4, 2)
	s.expectSilence(50 * time.Millisecond)

	s.handler.MarkDirty()
	if n := s.readUpdateHeader(); n != 1 {
		t.Fatalf("rects = %d, want 1", n)
	}
}

func TestNonIncrementalRequestForcesUpdate(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{})
	s.handshake()

	s.requestUpdate(false, 4, 2)
	if n := s.readUpdateHeader(); n != 1 {
		t.Fatalf("rects = %d, want 1", n)
	}
	s.readRect()
	s.read(4 * 2 * 4)
}

func TestSetPixelFormat(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{})
	s.handshake()

	rgb565 := encoder.PixelFormat{
		BitsPerPixel: 16, Depth: 16, TrueColour: true,
		RedMax: 31, GreenMax: 63, BlueMax: 31,
		RedShift: 11, GreenShift: 5, BlueShift: 0,
	}
	pf, _ := rgb565.MarshalBinary()
	s.write(append([]byte{msgSetPixelFormat, 0, 0, 0}, pf...))
	s.requestUpdate(false, 4, 2)

	s.readUpdateHeader()
	s.readRect()
	pixels := s.read(4 * 2 * 2)
	enc, _ := encoder.NewRawEncoder(rgb565)
	want := uint16(enc.Pixel(0x10, 0x20, 0x30))
	if got := binary.LittleEndian.Uint16(pixels); got != want {
		t.Fatalf("pixel = %#04x, want %#04x", got, want)
	}
}

func TestCursorAndDesktopSize(t *testing.T) {
	source := newTestSource(t, 4, 2)
	s := startSession(t, source, Options{})
	s.handshake()

	s.setEncodings(EncodingRaw, EncodingCursor, EncodingDesktopSize)
	s.requestUpdate(false, 4, 2)

	if n := s.readUpdateHeader(); n != 2 {
		t.Fatalf("rects = %d, want 2", n)
	}
	s.readRect()
	s.read(4 * 2 * 4)

	c := source.Cursor()
	size := c.Image.Bounds().Size()
	cr := s.readRect()
	if cr.encoding != EncodingCursor {
		t.Fatalf("encoding = %d, want cursor", cr.encoding)
	}
	if cr.r.Min != c.Hotspot || cr.r.Size() != size {
		t.Fatalf("cursor rect = %v, want hotspot %v size %v", cr.r, c.Hotspot, size)
	}
	s.read(size.X * size.Y * 4)
	mask := s.read((size.X + 7) / 8 * size.Y)
	if mask[0]&0x80 == 0 {
		t.Fatal("arrow tip not set in cursor mask")
	}

	// The cursor is sent once; a resize is announced before the frame.
	source.setFrame(8, 4, color.RGBA{A: 0xff})
	s.handler.MarkDirty()
	s.requestUpdate(true, 4, 2)

	if n := s.readUpdateHeader(); n != 1 {
		t.Fatalf("desktop size rects = %d, want 1", n)
	}
	if r := s.readRect(); r.encoding != EncodingDesktopSize || r.r != image.Rect(0, 0, 8, 4) {
		t.Fatalf("desktop size rect = %+v", r)
	}
	if n := s.readUpdateHeader(); n != 1 {
		t.Fatalf("frame rects = %d, want 1", n)
	}
	if r := s.readRect(); r.r != image.Rect(0, 0, 8, 4) {
		t.Fatalf("frame rect = %v, want 8x4", r.r)
	}
	s.read(8 * 4 * 4)
}

func TestResizeWithoutDesktopSizeIsClipped(t *testing.T) {
	source := newTestSource(t, 4, 2)
	s := startSession(t, source, Options{})
	s.handshake()

	source.setFrame(8, 4, color.RGBA{A: 0xff})
	s.requestUpdate(false, 4, 2)

	s.readUpdateHeader()
	if r := s.readRect(); r.r != image.Rect(0, 0, 4, 2) {
		t.Fatalf("rect = %v, want the negotiated 4x2", r.r)
	}
	s.read(4 * 2 * 4)
}

func TestInputEventsReachInjector(t *testing.T) {
	inj := &recordingInjector{events: make(chan *input.Event, 4)}
	s := startSession(t, newTestSource(t, 4, 2), Options{Injector: inj})
	s.handshake()

	cut := []byte{msgClientCutText, 0, 0, 0}
	cut = binary.BigEndian.AppendUint32(cut, 5)
	s.write(append(cut, "hello"...))

	s.write([]byte{msgPointerEvent, input.ButtonLeft, 0, 3, 0, 1})
	ev := testutil.RequireReceive(t, inj.events, "pointer event")
	if ev.Type != input.EventPointer || ev.X != 3 || ev.Y != 1 || ev.Buttons != input.ButtonLeft {
		t.Fatalf("pointer event = %+v", ev)
	}

	key := []byte{msgKeyEvent, 1, 0, 0}
	s.write(binary.BigEndian.AppendUint32(key, 0xff0d))
	ev = testutil.RequireReceive(t, inj.events, "key event")
	if ev.Type != input.EventKeyDown || ev.KeySym != 0xff0d {
		t.Fatalf("key event = %+v", ev)
	}
}

func TestUnknownMessageDisconnects(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{})
	s.handshake()
	s.write([]byte{99})

	err := testutil.RequireReceive(t, s.done, "Serve to return")
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Serve = %v, want ErrUnknownMessage", err)
	}
}

func TestCancelEndsSession(t *testing.T) {
	s := startSession(t, newTestSource(t, 4, 2), Options{})
	s.handshake()
	s.cancel()

	if err := testutil.RequireReceive(t, s.done, "Serve to return"); err != nil {
		t.Fatalf("Serve = %v, want nil", err)
	}
}

func TestCursorMask(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 9, 1))
	img.SetRGBA(0, 0, color.RGBA{A: 0xff})
	img.SetRGBA(8, 0, color.RGBA{A: 0xff})
	got := cursorMask(img)
	if len(got) != 2 || got[0] != 0x80 || got[1] != 0x80 {
		t.Fatalf("mask = % x, want 80 80", got)
	}
}

// renderingSource reports a new frame to the handler while the handler is
// taking its snapshot, the way a capture landing mid-update does.
type renderingSource struct {
	*testSource
	handler *Handler
	once    sync.Once
}

func (s *renderingSource) FrameBuffer() *image.RGBA {
	fb := s.testSource.FrameBuffer()
	s.once.Do(s.handler.MarkDirty)
	return fb
}

func TestMarkDirtyDuringSnapshotIsKept(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() { _, _ = io.Copy(io.Discard, client) }()

	source := &renderingSource{testSource: newTestSource(t, 4, 4)}
	h := NewHandler(server, source, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer h.Close()
	source.handler = h

	h.mu.Lock()
	h.requested = true
	h.mu.Unlock()
	h.MarkDirty()

	if err := h.sendUpdate(); err != nil {
		t.Fatalf("sendUpdate: %v", err)
	}
	if !h.dirty.Load() {
		t.Fatal("frame reported during the snapshot was dropped")
	}
}

func TestDirtyKeptUntilFirstFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	h := NewHandler(server, newTestSource(t, 0, 0), Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer h.Close()

	h.mu.Lock()
	h.requested = true
	h.mu.Unlock()
	h.MarkDirty()

	if err := h.sendUpdate(); err != nil {
		t.Fatalf("sendUpdate: %v", err)
	}
	if !h.dirty.Load() {
		t.Fatal("dirty flag cleared without a frame to send")
	}
	h.mu.Lock()
	requested := h.requested
	h.mu.Unlock()
	if !requested {
		t.Fatal("request consumed without a frame to send")
	}
}
