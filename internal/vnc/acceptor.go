package vnc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Acceptor accepts TCP viewers and hands each raw connection to adopt. It
// never reads from or writes to an accepted connection.
type Acceptor struct {
	ln     net.Listener
	adopt  func(net.Conn)
	logger *slog.Logger
	done   chan struct{}
}

// Listen binds port on every address family and starts accepting.
func Listen(port int, adopt func(net.Conn), logger *slog.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	a := &Acceptor{
		ln:     ln,
		adopt:  adopt,
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops accepting and waits for the accept loop to exit.
func (a *Acceptor) Close() error {
	err := a.ln.Close()
	<-a.done
	return err
}

func (a *Acceptor) run() {
	defer close(a.done)

	var delay time.Duration
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, time.Second)
			}
			a.logger.Warn("accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		a.adopt(conn)
	}
}
