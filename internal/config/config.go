// Package config loads the airvnc configuration from an optional YAML file
// and command-line flags. Flags that were set explicitly win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/junsooki/AirVNC/internal/cursor"
	"github.com/junsooki/AirVNC/internal/vnc"
)

// Surface kinds.
const (
	SurfacePattern = "pattern"
	SurfaceScreen  = "screen"
	SurfaceEbiten  = "ebiten"
)

// Config holds all runtime configuration.
type Config struct {
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	TeardownPolicy string        `yaml:"teardown_policy"`
	CursorShape    string        `yaml:"cursor_shape"`
	UpdateInterval time.Duration `yaml:"update_interval"`

	Surface SurfaceConfig `yaml:"surface"`
	HTTP    HTTPConfig    `yaml:"http"`
	WebRTC  WebRTCConfig  `yaml:"webrtc"`
	Log     LogConfig     `yaml:"log"`
}

// SurfaceConfig selects and sizes the frame producer.
type SurfaceConfig struct {
	Kind    string  `yaml:"kind"`
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	Scale   float64 `yaml:"scale"`
	FPS     int     `yaml:"fps"`
	Display int     `yaml:"display"`
}

// HTTPConfig configures the side HTTP surface. An empty Addr disables it.
type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	WebSocketPath string `yaml:"websocket_path"`
}

// WebRTCConfig configures data channel viewers.
type WebRTCConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ICEServers   []string `yaml:"ice_servers"`
	SignalingURL string   `yaml:"signaling_url"`
	HostID       string   `yaml:"host_id"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	v := vnc.DefaultConfig()
	return Config{
		Port:           v.Port,
		Name:           v.Name,
		JoinTimeout:    v.JoinTimeout,
		TeardownPolicy: string(v.TeardownPolicy),
		CursorShape:    string(v.CursorShape),
		UpdateInterval: v.UpdateInterval,
		Surface: SurfaceConfig{
			Kind:   SurfacePattern,
			Width:  1280,
			Height: 720,
			Scale:  1,
			FPS:    30,
		},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			WebSocketPath: "/websockify",
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// BindFlags registers a flag for every setting, bound to c's fields and
// defaulting to their current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "TCP port for VNC viewers")
	fs.StringVar(&c.Name, "name", c.Name, "Desktop name sent to viewers")
	fs.DurationVar(&c.JoinTimeout, "join-timeout", c.JoinTimeout, "How long to wait for a disconnecting viewer's worker")
	fs.StringVar(&c.TeardownPolicy, "teardown-policy", c.TeardownPolicy, "What to do when a worker misses the join timeout (detach|block)")
	fs.StringVar(&c.CursorShape, "cursor", c.CursorShape, "Cursor shape (arrow|cross|ibeam|hand|blank)")
	fs.DurationVar(&c.UpdateInterval, "update-interval", c.UpdateInterval, "How often viewers are checked for pending updates")

	fs.StringVar(&c.Surface.Kind, "surface", c.Surface.Kind, "Frame producer (pattern|screen|ebiten)")
	fs.IntVar(&c.Surface.Width, "width", c.Surface.Width, "Surface width in logical pixels")
	fs.IntVar(&c.Surface.Height, "height", c.Surface.Height, "Surface height in logical pixels")
	fs.Float64Var(&c.Surface.Scale, "scale", c.Surface.Scale, "Device pixels per logical pixel (pattern surface)")
	fs.IntVar(&c.Surface.FPS, "fps", c.Surface.FPS, "Target frames per second")
	fs.IntVar(&c.Surface.Display, "display", c.Surface.Display, "Display index to capture (screen surface)")

	fs.StringVar(&c.HTTP.Addr, "http-addr", c.HTTP.Addr, "Address for health, metrics, websocket and WebRTC endpoints (empty disables)")
	fs.StringVar(&c.HTTP.WebSocketPath, "websocket-path", c.HTTP.WebSocketPath, "Path for websocket viewers")

	fs.BoolVar(&c.WebRTC.Enabled, "webrtc", c.WebRTC.Enabled, "Accept viewers over WebRTC data channels")
	fs.StringSliceVar(&c.WebRTC.ICEServers, "ice-server", c.WebRTC.ICEServers, "ICE server URL (repeatable)")
	fs.StringVar(&c.WebRTC.SignalingURL, "signaling", c.WebRTC.SignalingURL, "Signaling relay WebSocket URL (empty disables)")
	fs.StringVar(&c.WebRTC.HostID, "host-id", c.WebRTC.HostID, "Host ID to register with the signaling relay (generated if empty)")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format (text|json)")
}

// Load builds the configuration: defaults, then the YAML file at path if
// path is non-empty, then every flag in flags that was set explicitly.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if flags != nil {
		if err := cfg.applyFlags(flags); err != nil {
			return Config{}, err
		}
	}
	if cfg.WebRTC.HostID == "" {
		cfg.WebRTC.HostID = "host-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyFlags copies explicitly set flags from flags onto c.
func (c *Config) applyFlags(flags *pflag.FlagSet) error {
	bound := pflag.NewFlagSet("config", pflag.ContinueOnError)
	c.BindFlags(bound)

	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		target := bound.Lookup(f.Name)
		if target == nil {
			return
		}
		if src, ok := f.Value.(pflag.SliceValue); ok {
			if dst, ok := target.Value.(pflag.SliceValue); ok {
				if err := dst.Replace(src.GetSlice()); err != nil {
					errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
				}
				return
			}
		}
		if err := target.Value.Set(f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if _, err := vnc.ParseTeardownPolicy(c.TeardownPolicy); err != nil {
		return err
	}
	if _, err := cursor.ParseShape(c.CursorShape); err != nil {
		return err
	}
	switch c.Surface.Kind {
	case SurfacePattern, SurfaceScreen, SurfaceEbiten:
	default:
		return fmt.Errorf("unknown surface %q", c.Surface.Kind)
	}
	if c.Surface.Width <= 0 || c.Surface.Height <= 0 {
		return fmt.Errorf("surface size must be positive, got %dx%d", c.Surface.Width, c.Surface.Height)
	}
	if c.Surface.FPS <= 0 || c.Surface.FPS > 60 {
		return fmt.Errorf("fps must be 1-60, got %d", c.Surface.FPS)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive, got %s", c.JoinTimeout)
	}
	if c.WebRTC.SignalingURL != "" && !c.WebRTC.Enabled {
		return errors.New("signaling relay requires webrtc to be enabled")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// VNC returns the server construction parameters.
func (c Config) VNC() vnc.Config {
	shape, _ := cursor.ParseShape(c.CursorShape)
	return vnc.Config{
		Port:           c.Port,
		Name:           c.Name,
		JoinTimeout:    c.JoinTimeout,
		TeardownPolicy: vnc.TeardownPolicy(c.TeardownPolicy),
		CursorShape:    shape,
		CursorScale:    c.Surface.Scale,
		UpdateInterval: c.UpdateInterval,
	}
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
