// Package vnc is the server core: it adopts viewer connections onto
// per-connection workers, captures frames from a capture.Surface and fans
// dirty notifications out to every worker.
package vnc

import (
	"fmt"
	"image"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/junsooki/AirVNC/internal/capture"
	"github.com/junsooki/AirVNC/internal/cursor"
	"github.com/junsooki/AirVNC/internal/input"
)

// Server owns the connection set, the shared frame buffer and the
// render-complete subscription.
//
// Lock order: mu and the frame lock are never held together. Subscribe and
// Unsubscribe run with mu held; RequestRenderPass runs with no lock held.
type Server struct {
	cfg      Config
	surface  capture.Surface
	logger   *slog.Logger
	metrics  *Metrics
	factory  HandlerFactory
	injector input.Injector
	cursor   cursor.Cursor
	frames   frameStore

	mu      sync.Mutex
	workers map[*Worker]struct{}
	sub     *capture.Subscription
	closed  bool

	acceptor     *Acceptor
	listenErr    error
	incoming     chan net.Conn
	quit         chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics. The default is an unregistered set.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHandlerFactory replaces the built-in RFB handler.
func WithHandlerFactory(f HandlerFactory) Option {
	return func(s *Server) { s.factory = f }
}

// WithInjector forwards viewer input from the built-in handler to inj.
func WithInjector(inj input.Injector) Option {
	return func(s *Server) { s.injector = inj }
}

// WithoutListener skips the TCP acceptor. Connections arrive only through
// Adopt and AddConnection.
func WithoutListener() Option {
	return func(s *Server) { s.cfg.Port = -1 }
}

// New builds a server for surface and starts listening on cfg.Port. A
// listen failure does not fail construction: it is logged once, reported
// by ListenErr and leaves the server without an acceptor.
func New(cfg Config, surface capture.Surface, opts ...Option) (*Server, error) {
	if _, err := ParseTeardownPolicy(string(cfg.withDefaults().TeardownPolicy)); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:          cfg.withDefaults(),
		surface:      surface,
		workers:      make(map[*Worker]struct{}),
		incoming:     make(chan net.Conn),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.factory == nil {
		s.factory = RFBHandlerFactory(s.cfg, s.injector)
	}

	provider := cursor.Provider{Scale: s.cfg.CursorScale}
	c, err := provider.Create(s.cfg.CursorShape)
	if err != nil {
		return nil, fmt.Errorf("create cursor: %w", err)
	}
	s.cursor = c

	go s.dispatch()

	if s.cfg.Port >= 0 {
		s.acceptor, s.listenErr = Listen(s.cfg.Port, s.Adopt, s.logger)
		if s.listenErr != nil {
			s.logger.Error("server is inert", "error", s.listenErr)
		} else {
			s.logger.Info("listening", "addr", s.acceptor.Addr().String())
		}
	}
	return s, nil
}

// ListenErr returns the listen failure, if any.
func (s *Server) ListenErr() error { return s.listenErr }

// Addr returns the listening address, or nil when there is no acceptor.
func (s *Server) Addr() net.Addr {
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// Adopt queues a raw viewer connection for AddConnection on the server's
// dispatch goroutine. It is how every transport hands over viewers.
func (s *Server) Adopt(conn net.Conn) {
	select {
	case s.incoming <- conn:
	case <-s.quit:
		_ = conn.Close()
	}
}

func (s *Server) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case conn := <-s.incoming:
			s.AddConnection(conn)
		case <-s.quit:
			return
		}
	}
}

// AddConnection starts a worker for conn. The first connection subscribes
// to render-complete events and requests a render pass to prime the frame.
// After Close it closes conn and returns nil.
func (s *Server) AddConnection(conn net.Conn) *Worker {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	w := newWorker(conn, s, s.factory, s.logger)
	s.workers[w] = struct{}{}
	first := len(s.workers) == 1
	if first {
		s.sub = s.surface.SubscribeRenderComplete(s.Capture)
		s.metrics.SubscriptionActive.Set(1)
	}
	count := len(s.workers)
	s.metrics.Connections.Set(float64(count))
	s.mu.Unlock()

	w.start()
	go func() {
		<-w.Done()
		s.RemoveConnection(w)
	}()

	if first {
		s.surface.RequestRenderPass()
	}
	s.logger.Info("client connected",
		"connection_id", w.ID(),
		"remote_addr", remoteAddr(conn),
		"connections", count)
	return w
}

// RemoveConnection removes w, unsubscribing when it was the last worker,
// then stops it and waits up to JoinTimeout. It reports false when w was
// not in the set, so each worker is torn down once.
func (s *Server) RemoveConnection(w *Worker) bool {
	s.mu.Lock()
	if _, ok := s.workers[w]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.workers, w)
	count := len(s.workers)
	if count == 0 && s.sub != nil {
		s.surface.Unsubscribe(s.sub)
		s.sub = nil
		s.metrics.SubscriptionActive.Set(0)
	}
	s.metrics.Connections.Set(float64(count))
	s.mu.Unlock()

	w.Quit()
	s.join(w)
	s.logger.Info("client disconnected", "connection_id", w.ID(), "connections", count)
	return true
}

func (s *Server) join(w *Worker) {
	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-w.Done():
		return
	case <-timer.C:
	}

	switch s.cfg.TeardownPolicy {
	case TeardownBlock:
		s.metrics.SlowTeardownTotal.Inc()
		s.logger.Warn("worker missed join timeout, waiting",
			"connection_id", w.ID(), "timeout", s.cfg.JoinTimeout)
		<-w.Done()
	default:
		s.metrics.ForcedDetachTotal.Inc()
		s.logger.Warn("worker missed join timeout, detaching",
			"connection_id", w.ID(), "timeout", s.cfg.JoinTimeout)
		w.closeConn()
	}
}

// Capture copies the surface into the frame buffer and marks every worker
// dirty. It must run where the surface's pixels are readable, which for
// the render-complete subscription is the producer's own goroutine. A
// failed capture is logged and skipped; no worker is notified for it.
func (s *Server) Capture() {
	start := time.Now()
	resized, err := s.captureFrame()
	if err != nil {
		s.metrics.CaptureErrorsTotal.Inc()
		s.logger.Warn("capture skipped", "error", err)
		return
	}
	s.metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	s.metrics.CapturesTotal.Inc()
	if resized {
		s.metrics.FrameResizesTotal.Inc()
	}

	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.MarkDirty()
	}
	s.metrics.DirtyNotifications.Add(float64(len(workers)))
	s.logger.Debug("frame captured", "resized", resized, "notified", len(workers))
}

func (s *Server) captureFrame() (resized bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture panic: %v", r)
		}
	}()
	return s.frames.captureFrom(s.surface)
}

// FrameBuffer returns a copy of the last captured frame, or nil before the
// first capture.
func (s *Server) FrameBuffer() *image.RGBA { return s.frames.snapshot() }

// FrameVersion counts successful captures.
func (s *Server) FrameVersion() uint64 { return s.frames.currentVersion() }

// Cursor returns a private copy of the cursor handed to viewers.
func (s *Server) Cursor() cursor.Cursor { return s.cursor.Clone() }

// ConnectionCount returns the number of active workers.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Subscribed reports whether the render-complete subscription is active.
func (s *Server) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// Close stops accepting and removes every worker with the usual bounded
// join. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.quit)
		if s.acceptor != nil {
			err = s.acceptor.Close()
		}
		<-s.dispatchDone

		s.mu.Lock()
		workers := make([]*Worker, 0, len(s.workers))
		for w := range s.workers {
			workers = append(workers, w)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.RemoveConnection(w)
			}()
		}
		wg.Wait()
	})
	return err
}
