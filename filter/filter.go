package filter

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
)

const (
	Inbound  Direction = iota // datagrams read from the endpoint
	Outbound                  // datagrams written to the endpoint
)

type Direction int

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Filter decides whether a datagram crossing the UDP endpoint is dropped.
// It stands between the protocol engine and the network the way a firewall
// rule would, which makes lossy links reproducible in tests.
type Filter interface {
	Drop(dir Direction, peer net.Addr, datagram []byte) bool // true when the datagram must be discarded
	Dropped() uint64                                         // number of datagrams dropped so far
}

// NewFilter returns a filter for the configured loss rate. A rate of zero
// returns a pass-through filter.
func NewFilter(lossRate float64, seed int64) Filter {
	if lossRate <= 0 {
		return &noOpFilter{}
	}
	return NewDropFilter(lossRate, seed)
}

type noOpFilter struct{}

func (n *noOpFilter) Drop(Direction, net.Addr, []byte) bool { return false }

func (n *noOpFilter) Dropped() uint64 { return 0 }

// DropFilter drops datagrams at random with the given rate.
type DropFilter struct {
	rate    float64
	mu      sync.Mutex
	rng     *rand.Rand
	dropped atomic.Uint64
	match   func(dir Direction, datagram []byte) bool
}

func NewDropFilter(rate float64, seed int64) *DropFilter {
	return &DropFilter{
		rate: rate,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// OnlyWhen restricts dropping to datagrams for which match returns true.
func (f *DropFilter) OnlyWhen(match func(dir Direction, datagram []byte) bool) *DropFilter {
	f.mu.Lock()
	f.match = match
	f.mu.Unlock()
	return f
}

func (f *DropFilter) Drop(dir Direction, peer net.Addr, datagram []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.match != nil && !f.match(dir, datagram) {
		return false
	}
	if f.rng.Float64() < f.rate {
		f.dropped.Add(1)
		return true
	}
	return false
}

func (f *DropFilter) Dropped() uint64 {
	return f.dropped.Load()
}
