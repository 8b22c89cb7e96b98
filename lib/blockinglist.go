package lib

import (
	"container/list"
	"context"
	"sync"
)

// BlockingList is a bounded, insertion ordered container. Besides the usual
// blocking insert and head removal it can block until an element matching an
// arbitrary predicate shows up and remove it from the middle of the backlog,
// which is what handshake and acknowledgment matching needs.
//
// Waiters are woken on every change of content. Waiting composes with
// context.Context because the wake-up signal is a channel that is closed and
// replaced on each change.
type BlockingList[E any] struct {
	mu       sync.Mutex
	items    *list.List
	capacity int // <= 0 means unbounded
	changed  chan struct{}
	closed   bool
}

func NewBlockingList[E any](capacity int) *BlockingList[E] {
	return &BlockingList[E]{
		items:    list.New(),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Must be called with mu held.
func (l *BlockingList[E]) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *BlockingList[E]) fullLocked() bool {
	return l.capacity > 0 && l.items.Len() >= l.capacity
}

// wait releases the lock until the content changes or ctx is done, then re-acquires it.
func (l *BlockingList[E]) wait(ctx context.Context) error {
	ch := l.changed
	l.mu.Unlock()
	defer l.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put appends e, blocking while the list is at capacity.
func (l *BlockingList[E]) Put(ctx context.Context, e E) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.closed {
			return ErrListClosed
		}
		if !l.fullLocked() {
			break
		}
		if err := l.wait(ctx); err != nil {
			return err
		}
	}
	l.items.PushBack(e)
	l.notifyLocked()
	return nil
}

// Offer appends e unless the list is full or closed.
func (l *BlockingList[E]) Offer(e E) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.fullLocked() {
		return false
	}
	l.items.PushBack(e)
	l.notifyLocked()
	return true
}

// OfferUnique appends e unless the list is full, closed, or already holds an
// element for which same returns true.
func (l *BlockingList[E]) OfferUnique(e E, same func(E) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.fullLocked() || l.findLocked(same) != nil {
		return false
	}
	l.items.PushBack(e)
	l.notifyLocked()
	return true
}

// Take removes the head, blocking while the list is empty.
func (l *BlockingList[E]) Take(ctx context.Context) (E, error) {
	return l.TakeFirst(ctx, func(E) bool { return true }, nil)
}

// TakeFirst removes the earliest inserted element satisfying match, blocking
// until one exists. abort, when not nil, is checked before every wait; a
// non-nil result is returned as the error. Call Wake after changing whatever
// abort looks at.
func (l *BlockingList[E]) TakeFirst(ctx context.Context, match func(E) bool, abort func() error) (E, error) {
	var zero E
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if el := l.findLocked(match); el != nil {
			l.items.Remove(el)
			l.notifyLocked()
			return el.Value.(E), nil
		}
		if l.closed {
			return zero, ErrListClosed
		}
		if abort != nil {
			if err := abort(); err != nil {
				return zero, err
			}
		}
		if err := l.wait(ctx); err != nil {
			return zero, err
		}
	}
}

func (l *BlockingList[E]) findLocked(match func(E) bool) *list.Element {
	for el := l.items.Front(); el != nil; el = el.Next() {
		if match(el.Value.(E)) {
			return el
		}
	}
	return nil
}

// Find returns the earliest inserted element satisfying match without removing it.
func (l *BlockingList[E]) Find(match func(E) bool) (E, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el := l.findLocked(match); el != nil {
		return el.Value.(E), true
	}
	var zero E
	return zero, false
}

func (l *BlockingList[E]) Contains(match func(E) bool) bool {
	_, ok := l.Find(match)
	return ok
}

// RemoveIf evicts every element satisfying match and returns how many were removed.
func (l *BlockingList[E]) RemoveIf(match func(E) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for el := l.items.Front(); el != nil; {
		next := el.Next()
		if match(el.Value.(E)) {
			l.items.Remove(el)
			removed++
		}
		el = next
	}
	if removed > 0 {
		l.notifyLocked()
	}
	return removed
}

// WaitEmpty blocks until the list holds no element, abort returns an error, or ctx is done.
func (l *BlockingList[E]) WaitEmpty(ctx context.Context, abort func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.items.Len() > 0 {
		if l.closed {
			return ErrListClosed
		}
		if abort != nil {
			if err := abort(); err != nil {
				return err
			}
		}
		if err := l.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the elements in insertion order.
func (l *BlockingList[E]) Snapshot() []E {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]E, 0, l.items.Len())
	for el := l.items.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(E))
	}
	return out
}

func (l *BlockingList[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Len()
}

// Wake wakes every waiter so that it rechecks its abort condition.
func (l *BlockingList[E]) Wake() {
	l.mu.Lock()
	l.notifyLocked()
	l.mu.Unlock()
}

// Close wakes every waiter with ErrListClosed. Elements already queued can
// still be taken by TakeFirst.
func (l *BlockingList[E]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.notifyLocked()
	}
}
