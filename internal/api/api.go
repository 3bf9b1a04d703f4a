// Package api serves the HTTP side of airvnc: health and metrics endpoints
// plus the websocket and WebRTC entry points for browser viewers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/junsooki/AirVNC/internal/transport"
)

// DefaultWebSocketPath is where websocket viewers connect when
// Options.WebSocketPath is empty.
const DefaultWebSocketPath = "/websockify"

const maxOfferBytes = 64 * 1024

// Server is the part of the VNC server the HTTP surface needs.
type Server interface {
	transport.Adopter
	ConnectionCount() int
	Subscribed() bool
	FrameVersion() uint64
	ListenErr() error
}

// Answerer negotiates a WebRTC session for a viewer's offer.
type Answerer interface {
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// Options configures the router. A nil Gatherer disables /metrics and a
// nil WebRTC disables /rtc/offer.
type Options struct {
	Server        Server
	Gatherer      prometheus.Gatherer
	WebSocketPath string
	WebRTC        Answerer
	Logger        *slog.Logger
}

// Health is the /healthz response body.
type Health struct {
	Status       string `json:"status"`
	Connections  int    `json:"connections"`
	Subscribed   bool   `json:"subscribed"`
	FrameVersion uint64 `json:"frame_version"`
	ListenError  string `json:"listen_error,omitempty"`
}

type handlers struct {
	server   Server
	answerer Answerer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wsPath := opts.WebSocketPath
	if wsPath == "" {
		wsPath = DefaultWebSocketPath
	}
	h := &handlers{
		server:   opts.Server,
		answerer: opts.WebRTC,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			Subprotocols:    []string{"binary"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get(wsPath, h.serveWebSocket)
	if opts.WebRTC != nil {
		r.Post("/rtc/offer", h.offer)
	}
	return r
}

func (h *handlers) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := Health{
		Status:       "ok",
		Connections:  h.server.ConnectionCount(),
		Subscribed:   h.server.Subscribed(),
		FrameVersion: h.server.FrameVersion(),
	}
	if err := h.server.ListenErr(); err != nil {
		body.Status = "degraded"
		body.ListenError = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	h.logger.Info("websocket viewer connected", "remote_addr", ws.RemoteAddr().String())
	h.server.Adopt(transport.NewWebSocketConn(ws))
}

func (h *handlers) offer(w http.ResponseWriter, r *http.Request) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		http.Error(w, "invalid session description", http.StatusBadRequest)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		http.Error(w, "expected an offer", http.StatusBadRequest)
		return
	}
	answer, err := h.answerer.Answer(r.Context(), offer)
	if err != nil {
		h.logger.Warn("webrtc negotiation failed", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "negotiation failed", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
