package lib

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Retransmission is a segment that the communicator keeps resending until
// an acknowledgment completes it or its deadline passes.
type Retransmission struct {
	seg      *RoutedSegment
	ack      uint32                // acknowledgment number that completes the task
	match    func(*Segment) bool   // extra condition on the acknowledging segment, may be nil
	deadline time.Time             // zero means never
	attempts atomic.Int64

	once   sync.Once
	done   chan struct{}
	err    error
	mu     sync.Mutex
	onDone []func(error)
}

// NewRetransmission prepares seg for repeated sending. A timeout <= 0 never expires.
func NewRetransmission(seg *RoutedSegment, ack uint32, timeout time.Duration, match func(*Segment) bool) *Retransmission {
	r := &Retransmission{
		seg:   seg,
		ack:   ack,
		match: match,
		done:  make(chan struct{}),
	}
	if timeout > 0 {
		r.deadline = time.Now().Add(timeout)
	}
	return r
}

func (r *Retransmission) Segment() *RoutedSegment { return r.seg }

func (r *Retransmission) Ack() uint32 { return r.ack }

// Attempts is the number of times the segment went out, the first emission included.
func (r *Retransmission) Attempts() int { return int(r.attempts.Load()) }

// Matches reports whether seg acknowledges this task.
func (r *Retransmission) Matches(seg *Segment) bool {
	return seg.IsACK() && seg.Ack() == r.ack && (r.match == nil || r.match(seg))
}

func (r *Retransmission) Done() <-chan struct{} { return r.done }

// Err is nil while running or after a successful acknowledgment.
func (r *Retransmission) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done.
func (r *Retransmission) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDone registers fn to run once the task completes. fn runs immediately
// when the task is already complete.
func (r *Retransmission) OnDone(fn func(error)) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		fn(r.err)
		return
	default:
	}
	r.onDone = append(r.onDone, fn)
	r.mu.Unlock()
}

// Cancel completes the task successfully. It reports whether this call completed it.
func (r *Retransmission) Cancel() bool {
	return r.complete(nil)
}

func (r *Retransmission) complete(err error) bool {
	completed := false
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		close(r.done)
		callbacks := r.onDone
		r.onDone = nil
		r.mu.Unlock()
		for _, fn := range callbacks {
			fn(err)
		}
		completed = true
	})
	return completed
}

func (r *Retransmission) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Retransmission) expired(now time.Time) bool {
	return !r.deadline.IsZero() && now.After(r.deadline)
}
