package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/junsooki/AirVNC/internal/config"
)

func TestNewLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "connection_id", "abc")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"connection_id":"abc"`) {
		t.Fatalf("json output = %s", out)
	}
}

func TestPatternProducerStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.Surface.Width, cfg.Surface.Height = 32, 16
	prod, err := newProducer(cfg, slog.Default())
	if err != nil {
		t.Fatalf("newProducer: %v", err)
	}
	if prod.surface.CurrentSize().X != 32 || prod.injector == nil {
		t.Fatalf("producer = %+v", prod)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- prod.run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pattern producer did not stop")
	}
}

func TestUnknownSurface(t *testing.T) {
	cfg := config.Default()
	cfg.Surface.Kind = "x11"
	if _, err := newProducer(cfg, slog.Default()); err == nil {
		t.Fatal("expected error for unknown surface")
	}
}

func TestICEServers(t *testing.T) {
	if iceServers(nil) != nil {
		t.Fatal("empty list should fall back to defaults")
	}
	got := iceServers([]string{"stun:a", "turn:b"})
	if len(got) != 1 || len(got[0].URLs) != 2 {
		t.Fatalf("ice servers = %+v", got)
	}
}

func TestServeWithoutListeners(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.HTTP.Addr = ""
	cfg.WebRTC.Enabled = false
	cfg.Surface.Width, cfg.Surface.Height = 16, 16

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "airvnc dev") {
		t.Fatalf("output = %q", out.String())
	}
}
