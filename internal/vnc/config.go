package vnc

import (
	"fmt"
	"time"

	"github.com/junsooki/AirVNC/internal/cursor"
)

// TeardownPolicy decides what RemoveConnection does when a worker does not
// exit within Config.JoinTimeout.
type TeardownPolicy string

const (
	// TeardownDetach closes the worker's connection to force its handler
	// out and returns without waiting further.
	TeardownDetach TeardownPolicy = "detach"
	// TeardownBlock keeps waiting until the worker exits.
	TeardownBlock TeardownPolicy = "block"
)

// ParseTeardownPolicy parses a policy name.
func ParseTeardownPolicy(s string) (TeardownPolicy, error) {
	switch p := TeardownPolicy(s); p {
	case TeardownDetach, TeardownBlock:
		return p, nil
	default:
		return "", fmt.Errorf("unknown teardown policy %q (want %q or %q)", s, TeardownDetach, TeardownBlock)
	}
}

// Config holds the server construction parameters.
type Config struct {
	// Port is the TCP port to listen on. Zero picks a free port.
	Port int
	// Name is the desktop name sent to viewers.
	Name string
	// JoinTimeout bounds how long RemoveConnection waits for a worker.
	JoinTimeout time.Duration
	// TeardownPolicy applies when JoinTimeout elapses.
	TeardownPolicy TeardownPolicy
	// CursorShape is the cursor handed to every viewer.
	CursorShape cursor.Shape
	// CursorScale enlarges the cursor bitmap for HiDPI surfaces.
	CursorScale float64
	// UpdateInterval is how often handlers check for pending updates.
	UpdateInterval time.Duration
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Port:           5900,
		Name:           "AirVNC",
		JoinTimeout:    100 * time.Millisecond,
		TeardownPolicy: TeardownDetach,
		CursorShape:    cursor.Arrow,
		CursorScale:    1,
		UpdateInterval: 30 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.TeardownPolicy == "" {
		c.TeardownPolicy = d.TeardownPolicy
	}
	if c.CursorShape == "" {
		c.CursorShape = d.CursorShape
	}
	if c.CursorScale <= 0 {
		c.CursorScale = d.CursorScale
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	return c
}
