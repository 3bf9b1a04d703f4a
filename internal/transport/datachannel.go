package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// MaxDataChannelMessage bounds a single data channel write. Larger writes
// are split so a full-screen update never exceeds the SCTP message limit.
const MaxDataChannelMessage = 16 * 1024

// DataChannelConn wraps a detached pion data channel as a net.Conn.
//
// Reads are buffered because a detached channel returns whole messages and
// fails with io.ErrShortBuffer when the caller's buffer is smaller than the
// message. Deadlines are implemented by closing the channel when they fire,
// which unblocks any pending Read or Write.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	readMu  sync.Mutex
	readBuf []byte
	pending []byte

	writeMu sync.Mutex

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
	closeOnce      sync.Once
	closeErr       error
}

var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached data channel.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	return &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		readBuf:    make([]byte, 64*1024),
	}
}

func (c *DataChannelConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		n, err := c.rwc.Read(c.readBuf)
		if err != nil {
			return 0, err
		}
		c.pending = c.readBuf[:n]
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *DataChannelConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(b) {
		end := min(written+MaxDataChannelMessage, len(b))
		n, err := c.rwc.Write(b[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return addr{network: "webrtc", label: c.localLabel} }
func (c *DataChannelConn) RemoteAddr() net.Addr { return addr{network: "webrtc", label: c.peerLabel} }

func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// armLocked replaces timer with one that closes the channel at deadline.
// Must be called with c.mu held.
func (c *DataChannelConn) armLocked(timer *time.Timer, deadline time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.deadlineClosed {
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		c.closeFromDeadlineLocked()
		return nil
	}
	return time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadlineLocked()
	})
}

func (c *DataChannelConn) closeFromDeadlineLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
}

func (c *DataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}
