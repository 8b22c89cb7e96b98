package lib

import (
	"context"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/Clouded-Sabre/tou/filter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// Communicator owns one UDP endpoint and everything that runs on it: the
// receive loop, the retransmission ticker, the sweeper of stale received
// segments and the flusher of buffered output. It is shared by a group of
// sockets: a listener and the connections it accepted, or a single client
// connection. The endpoint is released when the last socket of the group
// is gone.
type Communicator struct {
	config    *coreConfig
	conn      *net.UDPConn
	localAddr *net.UDPAddr
	pool      *rp.RingPool
	filter    filter.Filter

	mu       sync.Mutex
	listener *Socket            // registered under the local address
	sockets  map[string]*Socket // every other socket, keyed by remote address
	size     int
	started  bool
	stopped  bool
	onStop   []func()

	pending  *BlockingList[*Retransmission]
	withData *BlockingList[*Socket]

	closeSignal chan struct{}
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

func newCommunicator(local *net.UDPAddr, config *coreConfig, f filter.Filter) (*Communicator, error) {
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, errors.Wrapf(err, "binding UDP endpoint %s", local)
	}

	if config.tos > 0 {
		if err := ipv4.NewConn(conn).SetTOS(config.tos); err != nil {
			log.Warn().Err(err).Int("tos", config.tos).Str("local", conn.LocalAddr().String()).Msg("failed to set TOS on endpoint")
		}
	}
	if f == nil {
		f = filter.NewFilter(0, 0)
	}

	c := &Communicator{
		config:      config,
		conn:        conn,
		localAddr:   conn.LocalAddr().(*net.UDPAddr),
		pool:        newPayloadPool(config.payloadPoolSize, HeaderSize+config.maxPayloadSize+1, config.debug),
		filter:      f,
		sockets:     make(map[string]*Socket),
		pending:     NewBlockingList[*Retransmission](0),
		withData:    NewBlockingList[*Socket](0),
		closeSignal: make(chan struct{}),
	}
	log.Debug().Str("local", c.localAddr.String()).Msg("UDP endpoint bound")
	return c, nil
}

func (c *Communicator) LocalAddr() *net.UDPAddr {
	return c.localAddr
}

// Start launches the endpoint goroutines. Calling it again is a no-op.
func (c *Communicator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.wg.Add(4)
	go c.handleIncomingSegments()
	go c.handleRetransmissions()
	go c.handleSweep()
	go c.handleFlush()
}

// RegisterListener routes SYN segments to s.
func (c *Communicator) RegisterListener(s *Socket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrSocketClosed
	}
	if c.listener != nil {
		return errors.Wrapf(ErrAlreadyBound, "listener on %s", c.localAddr)
	}
	c.listener = s
	c.size++
	return nil
}

// Register routes every non SYN segment coming from remote to s.
func (c *Communicator) Register(remote *net.UDPAddr, s *Socket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrSocketClosed
	}
	key := addrKey(remote)
	if _, ok := c.sockets[key]; ok {
		return errors.Wrapf(ErrAlreadyConnected, "%s->%s", c.localAddr, remote)
	}
	c.sockets[key] = s
	c.size++
	return nil
}

// Lookup returns the socket registered for remote, or nil.
func (c *Communicator) Lookup(remote *net.UDPAddr) *Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sockets[addrKey(remote)]
}

// GroupSize is the number of registered sockets.
func (c *Communicator) GroupSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// ConnectionClosed removes s from the group. The endpoint is released once
// the group is empty.
func (c *Communicator) ConnectionClosed(s *Socket) {
	c.mu.Lock()
	if c.listener == s {
		c.listener = nil
		c.size--
	} else if key := addrKey(s.RemoteAddr()); key != "" && c.sockets[key] == s {
		delete(c.sockets, key)
		c.size--
	}
	empty := c.size == 0
	c.mu.Unlock()

	if empty {
		c.stop()
	}
}

// OnStop registers fn to run once when the endpoint is released.
func (c *Communicator) OnStop(fn func()) {
	c.mu.Lock()
	if !c.stopped {
		c.onStop = append(c.onStop, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Stopped is closed once the endpoint is released.
func (c *Communicator) Stopped() <-chan struct{} {
	return c.closeSignal
}

// Close releases the endpoint regardless of the group size.
func (c *Communicator) Close() {
	c.stop()
	c.wg.Wait()
}

func (c *Communicator) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		hooks := c.onStop
		c.onStop = nil
		c.mu.Unlock()

		close(c.closeSignal)
		if err := c.conn.Close(); err != nil {
			log.Warn().Err(err).Str("local", c.localAddr.String()).Msg("closing UDP endpoint")
		}

		c.pending.Close()
		for _, rt := range c.pending.Snapshot() {
			rt.complete(ErrSocketClosed)
		}
		c.withData.Close()

		for _, fn := range hooks {
			fn()
		}
		log.Debug().Str("local", c.localAddr.String()).Msg("UDP endpoint released")
	})
}

// SendOnce emits seg without waiting for any acknowledgment.
func (c *Communicator) SendOnce(seg *RoutedSegment) {
	c.send(seg)
}

// SendRepeatedly emits the segment of rt now and then once per retransmission
// period until rt is cancelled or expires.
func (c *Communicator) SendRepeatedly(rt *Retransmission) *Retransmission {
	if !c.pending.Offer(rt) {
		rt.complete(ErrSocketClosed)
		return rt
	}
	rt.attempts.Add(1)
	c.send(rt.seg)
	return rt
}

// ScheduleFlush hands s to the flusher goroutine.
func (c *Communicator) ScheduleFlush(s *Socket) {
	c.withData.OfferUnique(s, func(o *Socket) bool { return o == s })
}

func (c *Communicator) send(seg *RoutedSegment) {
	if c.filter.Drop(filter.Outbound, seg.Dst, seg.Bytes()) {
		log.Debug().Str("segment", seg.String()).Msg("outbound segment dropped by filter")
		return
	}
	if _, err := c.conn.WriteToUDP(seg.Bytes(), seg.Dst); err != nil {
		select {
		case <-c.closeSignal:
		default:
			log.Warn().Err(err).Str("segment", seg.String()).Msg("error writing segment")
		}
		return
	}
	log.Trace().Str("segment", seg.String()).Msg("sent")
}

func (c *Communicator) handleIncomingSegments() {
	defer c.wg.Done()

	maxDatagram := HeaderSize + c.config.maxPayloadSize
	for {
		el := c.pool.GetElement()
		payload := el.Data.(*Payload)
		n, peer, err := c.conn.ReadFromUDP(payload.Buffer())
		if err != nil {
			payload.Reset()
			c.pool.ReturnElement(el)
			select {
			case <-c.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("local", c.localAddr.String()).Msg("error reading datagram")
			continue
		}

		var fp int
		if rp.Debug {
			fp = el.AddFootPrint("Communicator.handleIncomingSegments")
		}
		if n > maxDatagram {
			log.Warn().Int("size", n).Str("peer", peer.String()).Msg("oversized datagram dropped")
		} else {
			payload.SetLength(n)
			c.dispatch(payload.GetSlice(), peer)
		}
		if rp.Debug {
			el.TickFootPrint(fp)
		}
		payload.Reset()
		c.pool.ReturnElement(el)
	}
}

func (c *Communicator) dispatch(datagram []byte, peer *net.UDPAddr) {
	if c.filter.Drop(filter.Inbound, peer, datagram) {
		log.Debug().Str("peer", peer.String()).Int("size", len(datagram)).Msg("inbound datagram dropped by filter")
		return
	}
	if c.config.debug {
		if e := log.Debug(); e.Enabled() {
			e.Str("peer", peer.String()).Msg(DumpDatagram(datagram))
		}
	}

	seg, err := ParseSegment(datagram)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("dropping datagram")
		return
	}
	typ, err := seg.Type()
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("dropping segment")
		return
	}
	rs := NewRoutedSegment(seg, peer, c.localAddr)

	var target *Socket
	c.mu.Lock()
	if typ == TypeSYN {
		target = c.listener
	} else {
		target = c.sockets[addrKey(peer)]
	}
	c.mu.Unlock()

	if target == nil {
		log.Debug().Str("segment", rs.String()).Msg("no socket for segment, dropped")
		return
	}
	log.Trace().Str("segment", rs.String()).Msg("received")
	target.Handle(rs)
}

func (c *Communicator) handleRetransmissions() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.retransmitPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case now := <-ticker.C:
			c.retransmit(now)
		}
	}
}

func (c *Communicator) retransmit(now time.Time) {
	var expired []*Retransmission
	c.pending.RemoveIf(func(rt *Retransmission) bool {
		if rt.finished() {
			return true
		}
		if rt.expired(now) {
			expired = append(expired, rt)
			return true
		}
		return false
	})
	for _, rt := range expired {
		if rt.complete(ErrRetransmissionExpired) {
			log.Debug().Str("segment", rt.seg.String()).Int("attempts", rt.Attempts()).Msg("retransmission expired")
		}
	}

	for _, rt := range c.pending.Snapshot() {
		if rt.finished() {
			continue
		}
		rt.attempts.Add(1)
		c.send(rt.seg)
	}
}

func (c *Communicator) handleSweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case now := <-ticker.C:
			for _, s := range c.group() {
				s.sweep(now)
			}
		}
	}
}

func (c *Communicator) group() []*Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Socket, 0, len(c.sockets)+1)
	if c.listener != nil {
		out = append(out, c.listener)
	}
	for _, s := range c.sockets {
		out = append(out, s)
	}
	return out
}

func (c *Communicator) handleFlush() {
	defer c.wg.Done()

	for {
		s, err := c.withData.Take(context.Background())
		if err != nil {
			return
		}
		s.FlushAndSend()
	}
}
