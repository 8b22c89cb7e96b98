package lib

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Conn adapts an established socket to net.Conn.
type Conn struct {
	s *Socket

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func newConn(s *Socket) *Conn {
	return &Conn{s: s}
}

// Socket returns the underlying socket.
func (c *Conn) Socket() *Socket { return c.s }

// context derives the context of one call from the deadline in force when the call starts.
func (c *Conn) context(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	ctx, cancel := c.context(deadline)
	defer cancel()
	n, err := c.s.in.ReadContext(ctx, b)
	return n, c.mapError("read", err)
}

func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	ctx, cancel := c.context(deadline)
	defer cancel()
	n, err := c.s.out.WriteContext(ctx, b)
	return n, c.mapError("write", err)
}

// Flush blocks until everything written so far was acknowledged by the peer.
func (c *Conn) Flush() error {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	ctx, cancel := c.context(deadline)
	defer cancel()
	return c.mapError("flush", c.s.out.Flush(ctx))
}

func (c *Conn) mapError(op string, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{msg: op + " " + c.s.LocalAddr().String() + "->" + c.s.RemoteAddr().String() + ": i/o timeout"}
	}
	return err
}

func (c *Conn) Close() error {
	return c.s.Close()
}

// CloseRead shuts the input side down.
func (c *Conn) CloseRead() error {
	return c.s.ShutdownInput()
}

// CloseWrite flushes and shuts the output side down.
func (c *Conn) CloseWrite() error {
	return c.s.ShutdownOutput()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.s.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.s.RemoteAddr()
}

// SetDeadline implements net.Conn. A deadline applies to calls started after it was set.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

// Listener adapts a listening socket to net.Listener.
type Listener struct {
	s *Socket
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.AcceptTOU(context.Background())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AcceptTOU waits for the next connection and returns it with its concrete type.
func (l *Listener) AcceptTOU(ctx context.Context) (*Conn, error) {
	child, err := l.s.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(child), nil
}

func (l *Listener) Close() error {
	return l.s.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.s.LocalAddr()
}

// Socket returns the listening socket.
func (l *Listener) Socket() *Socket { return l.s }
