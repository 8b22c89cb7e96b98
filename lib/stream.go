package lib

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// InputStream reads the data segments of a socket in sequence order.
type InputStream struct {
	s     *Socket
	mu    sync.Mutex
	next  uint32
	chunk []byte
}

func (i *InputStream) reset(seq uint32) {
	i.mu.Lock()
	i.next = seq
	i.chunk = nil
	i.mu.Unlock()
}

func (i *InputStream) Read(p []byte) (int, error) {
	return i.ReadContext(context.Background(), p)
}

// ReadContext is Read bounded by ctx.
func (i *InputStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	for len(i.chunk) == 0 {
		data, err := i.s.FetchData(ctx, i.next)
		if err != nil {
			return 0, err
		}
		i.next = SeqIncrement(i.next)
		i.chunk = data
	}
	n := copy(p, i.chunk)
	i.chunk = i.chunk[n:]
	return n, nil
}

// OutputStream buffers written bytes until the flusher packs them into data
// segments. Write blocks while the buffer is full.
type OutputStream struct {
	s       *Socket
	mu      sync.Mutex
	buf     []byte
	limit   int
	changed chan struct{}
	closed  bool
}

func newOutputStream(s *Socket, limit int) *OutputStream {
	return &OutputStream{
		s:       s,
		buf:     make([]byte, 0, limit),
		limit:   limit,
		changed: make(chan struct{}),
	}
}

func (o *OutputStream) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *OutputStream) wait(ctx context.Context) error {
	ch := o.changed
	o.mu.Unlock()
	defer o.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *OutputStream) Write(p []byte) (int, error) {
	return o.WriteContext(context.Background(), p)
}

// WriteContext is Write bounded by ctx. It returns the number of bytes
// buffered before the error.
func (o *OutputStream) WriteContext(ctx context.Context, p []byte) (int, error) {
	written := 0
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(p) > 0 {
		if err := o.s.writeCheck(); err != nil {
			return written, err
		}
		if o.closed {
			return written, ErrSocketClosed
		}
		space := o.limit - len(o.buf)
		if space == 0 {
			if err := o.wait(ctx); err != nil {
				return written, err
			}
			continue
		}
		n := min(space, len(p))
		o.buf = append(o.buf, p[:n]...)
		p = p[n:]
		written += n
		o.notifyLocked()
		o.s.comm.ScheduleFlush(o.s)
	}
	return written, nil
}

// Flush waits until every buffered byte was sent and acknowledged.
func (o *OutputStream) Flush(ctx context.Context) error {
	if err := o.s.writeError(); err != nil {
		return err
	}
	if o.s.closedFlag.Load() {
		return ErrSocketClosed
	}
	if !o.s.connected.Load() {
		return ErrNotConnected
	}
	o.s.comm.ScheduleFlush(o.s)

	o.mu.Lock()
	for len(o.buf) > 0 {
		if err := o.s.writeError(); err != nil {
			o.mu.Unlock()
			return err
		}
		if o.closed {
			o.mu.Unlock()
			return ErrSocketClosed
		}
		if err := o.wait(ctx); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	o.mu.Unlock()

	if err := o.s.inFlight.WaitEmpty(ctx, o.s.writeError); err != nil {
		if errors.Is(err, ErrListClosed) {
			return ErrSocketClosed
		}
		return err
	}
	return o.s.writeError()
}

// Buffered is the number of bytes not yet packed into a segment.
func (o *OutputStream) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// peek copies up to n buffered bytes without consuming them.
func (o *OutputStream) peek(n int) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	n = min(n, len(o.buf))
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, o.buf)
	return out
}

// drop consumes n bytes from the head of the buffer.
func (o *OutputStream) drop(n int) {
	o.mu.Lock()
	o.buf = append(o.buf[:0], o.buf[n:]...)
	o.notifyLocked()
	o.mu.Unlock()
}

func (o *OutputStream) discard() {
	o.mu.Lock()
	o.buf = o.buf[:0]
	o.notifyLocked()
	o.mu.Unlock()
}

func (o *OutputStream) wake() {
	o.mu.Lock()
	o.notifyLocked()
	o.mu.Unlock()
}

func (o *OutputStream) close() {
	o.mu.Lock()
	o.closed = true
	o.notifyLocked()
	o.mu.Unlock()
}
