package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/junsooki/AirVNC/internal/api"
	"github.com/junsooki/AirVNC/internal/capture"
	"github.com/junsooki/AirVNC/internal/config"
	"github.com/junsooki/AirVNC/internal/display"
	"github.com/junsooki/AirVNC/internal/input"
	"github.com/junsooki/AirVNC/internal/peer"
	"github.com/junsooki/AirVNC/internal/signaling"
	"github.com/junsooki/AirVNC/internal/vnc"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var configPath string
	flagDefaults := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the VNC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(cfg.Log, os.Stderr))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	flagDefaults.BindFlags(cmd.Flags())
	return cmd
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var logger *slog.Logger
	if cfg.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(w, opts))
	}
	slog.SetDefault(logger)
	return logger
}

// producer is a capture.Surface together with the loop that drives it.
// run blocks until ctx is cancelled or the surface stops on its own.
type producer struct {
	surface  capture.Surface
	injector input.Injector
	run      func(ctx context.Context) error
}

func newProducer(cfg config.Config, logger *slog.Logger) (*producer, error) {
	switch cfg.Surface.Kind {
	case config.SurfacePattern:
		p, err := capture.NewPatternSurface(cfg.Surface.Width, cfg.Surface.Height, cfg.Surface.Scale, cfg.Surface.FPS)
		if err != nil {
			return nil, err
		}
		return &producer{
			surface:  p,
			injector: p,
			run: func(ctx context.Context) error {
				p.Run(ctx)
				return nil
			},
		}, nil

	case config.SurfaceScreen:
		s, err := capture.NewScreenSurface(cfg.Surface.Display, cfg.Surface.FPS, logger)
		if err != nil {
			return nil, err
		}
		// Screen capture is view-only.
		viewOnly := input.InjectorFunc(func(ev *input.Event) error {
			logger.Debug("input ignored", "type", ev.Type)
			return nil
		})
		return &producer{
			surface:  s,
			injector: viewOnly,
			run: func(ctx context.Context) error {
				s.Run(ctx)
				return nil
			},
		}, nil

	case config.SurfaceEbiten:
		e := display.NewEbitenSurface(cfg.Surface.Width, cfg.Surface.Height, cfg.Name)
		return &producer{
			surface:  e,
			injector: e,
			run: func(ctx context.Context) error {
				stop := context.AfterFunc(ctx, e.Stop)
				defer stop()
				return e.Run()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown surface %q", cfg.Surface.Kind)
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("airvnc starting",
		"version", version,
		"port", cfg.Port,
		"surface", cfg.Surface.Kind,
		"http_addr", cfg.HTTP.Addr,
		"webrtc", cfg.WebRTC.Enabled,
		"teardown_policy", cfg.TeardownPolicy,
		"join_timeout", cfg.JoinTimeout)

	prod, err := newProducer(cfg, logger)
	if err != nil {
		return fmt.Errorf("surface: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := vnc.New(cfg.VNC(), prod.surface,
		vnc.WithLogger(logger),
		vnc.WithMetrics(vnc.NewMetrics(reg)),
		vnc.WithInjector(prod.injector),
	)
	if err != nil {
		return err
	}
	defer srv.Close()
	if addr := srv.Addr(); addr != nil {
		logger.Info("accepting VNC viewers", "addr", addr.String())
	}

	var rtc *peer.Acceptor
	if cfg.WebRTC.Enabled {
		rtc = peer.NewAcceptor(iceServers(cfg.WebRTC.ICEServers), srv, logger)
		defer rtc.Close()
	}

	if cfg.WebRTC.SignalingURL != "" {
		relay := signaling.NewRelayClient(cfg.WebRTC.SignalingURL, cfg.WebRTC.HostID, rtc, logger)
		if err := relay.Connect(ctx); err != nil {
			logger.Warn("signaling relay unavailable", "url", cfg.WebRTC.SignalingURL, "error", err)
		} else {
			logger.Info("registered with signaling relay", "host_id", cfg.WebRTC.HostID)
			defer relay.Close()
		}
	}

	if cfg.HTTP.Addr != "" {
		opts := api.Options{
			Server:        srv,
			Gatherer:      reg,
			WebSocketPath: cfg.HTTP.WebSocketPath,
			Logger:        logger,
		}
		if rtc != nil {
			opts.WebRTC = rtc
		}
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewRouter(opts),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}()
	}

	err = prod.run(ctx)
	logger.Info("shutting down", "connections", srv.ConnectionCount())
	return err
}
