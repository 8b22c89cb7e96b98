package lib

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Socket is one endpoint of a TOU connection, or a listener accepting them.
//
// Received segments are sorted into per type queues by Handle, which runs on
// the communicator's receive loop. Application goroutines block on those
// queues in Connect, Accept, FetchData and Close.
type Socket struct {
	core    *Core
	config  *coreConfig
	comm    *Communicator
	factory *SegmentFactory
	parent  *Socket // listener that accepted this socket

	mu           sync.Mutex
	role         Role
	state        SocketState
	local        *net.UDPAddr
	remote       *net.UDPAddr
	writeSeq     uint32 // sequence number of the next data segment
	pendingAck   uint32 // last data segment received and not yet acknowledged by piggyback
	owesAck      bool
	handshakeAck *Segment  // final ACK of the opening handshake
	closeAck     *Segment  // final ACK of an active close
	finAnswered  time.Time // FIN+ACK last sent for the peer's FIN during a simultaneous close

	readMu  sync.Mutex
	readSeq uint32 // data segments below it were consumed

	// flags read by abort callbacks, which run under queue locks
	inputShut  atomic.Bool
	outputShut atomic.Bool
	closing    atomic.Bool
	closedFlag atomic.Bool
	connected  atomic.Bool
	errMu      sync.Mutex
	writeErr   error

	synQueue    *BlockingList[*TimedSegment]
	synAckQueue *BlockingList[*TimedSegment]
	ackQueue    *BlockingList[*TimedSegment]
	finAckQueue *BlockingList[*TimedSegment]
	dataQueue   *BlockingList[*TimedSegment]

	outstanding *BlockingList[*Retransmission] // every retransmission completed by a pure ACK
	inFlight    *BlockingList[*Retransmission] // data segments not yet acknowledged

	in  *InputStream
	out *OutputStream

	finishOnce sync.Once
	closed     chan struct{}
	closeErr   error
}

func newSocket(core *Core) *Socket {
	capacity := core.config.queueCapacity
	s := &Socket{
		core:        core,
		config:      core.config,
		role:        RoleActive,
		state:       StateUnbound,
		synAckQueue: NewBlockingList[*TimedSegment](capacity),
		ackQueue:    NewBlockingList[*TimedSegment](capacity),
		finAckQueue: NewBlockingList[*TimedSegment](capacity),
		dataQueue:   NewBlockingList[*TimedSegment](capacity),
		outstanding: NewBlockingList[*Retransmission](0),
		inFlight:    NewBlockingList[*Retransmission](0),
		closed:      make(chan struct{}),
	}
	s.in = &InputStream{s: s}
	s.out = newOutputStream(s, core.config.sendBufferSize)
	core.track(s)
	return s
}

func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Socket) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Socket) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Socket) Communicator() *Communicator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comm
}

func (s *Socket) InputStream() *InputStream { return s.in }

func (s *Socket) OutputStream() *OutputStream { return s.out }

// Closed is closed once the socket reached CLOSED.
func (s *Socket) Closed() <-chan struct{} { return s.closed }

// Bind creates the UDP endpoint of the socket on addr.
func (s *Socket) Bind(addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnbound {
		return ErrAlreadyBound
	}
	comm, err := s.core.newCommunicator(addr)
	if err != nil {
		return err
	}
	s.comm = comm
	s.local = comm.LocalAddr()
	s.state = StateBound
	return nil
}

// bindEphemeral binds a client socket to a port of the configured client
// range, or to a port picked by the OS when no range is configured.
func (s *Socket) bindEphemeral(peer *net.UDPAddr) error {
	local := &net.UDPAddr{IP: net.IPv4zero}
	if peer.IP.IsLoopback() {
		local.IP = peer.IP
	} else if peer.IP.To4() == nil {
		local.IP = net.IPv6unspecified
	}

	pool := s.core.portPool
	if pool == nil {
		return s.Bind(local)
	}
	port, err := pool.allocatePort()
	if err != nil {
		return err
	}
	local.Port = port
	if err := s.Bind(local); err != nil {
		if rerr := pool.returnPort(port); rerr != nil {
			log.Warn().Err(rerr).Int("port", port).Msg("returning client port")
		}
		return err
	}
	s.comm.OnStop(func() {
		if err := pool.returnPort(port); err != nil {
			log.Warn().Err(err).Int("port", port).Msg("returning client port")
		}
	})
	return nil
}

// Connect performs the opening handshake with peer. The socket is bound to
// an ephemeral local address first when needed.
func (s *Socket) Connect(ctx context.Context, peer *net.UDPAddr) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateUnbound:
		if err := s.bindEphemeral(peer); err != nil {
			return err
		}
	case StateBound:
	case StateClosed:
		return ErrSocketClosed
	default:
		return ErrAlreadyConnected
	}

	s.mu.Lock()
	if s.state != StateBound {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.remote = peer
	s.factory = NewSegmentFactory(s.local, peer)
	s.state = StateHandshaking
	comm := s.comm
	s.mu.Unlock()

	if err := comm.Register(peer, s); err != nil {
		s.finishClose(err)
		return err
	}
	comm.Start()

	syn := s.factory.Initiate()
	want := SeqIncrement(syn.Seq())
	rt := NewRetransmission(syn, want, s.config.handshakeTimeout, nil)
	rt.OnDone(func(error) { s.synAckQueue.Wake() })
	comm.SendRepeatedly(rt)
	log.Debug().Str("local", s.local.String()).Str("remote", peer.String()).Uint32("seq", syn.Seq()).Msg("SYN sent")

	synack, err := s.synAckQueue.TakeFirst(ctx, func(ts *TimedSegment) bool { return ts.Ack() == want }, rt.Err)
	rt.Cancel()
	if err != nil {
		switch {
		case errors.Is(err, ErrRetransmissionExpired):
			err = errors.Wrapf(ErrHandshakeTimeout, "connecting to %s", peer)
		case errors.Is(err, ErrListClosed):
			err = ErrSocketClosed
		}
		s.finishClose(err)
		return err
	}

	// seed counters before the peer can learn the handshake completed
	ack := s.factory.FinalizeHandshake(synack.Segment)
	s.establish(want, SeqIncrement(synack.Seq()), ack.Segment)
	comm.SendOnce(ack)
	log.Info().Str("local", s.local.String()).Str("remote", peer.String()).Msg("connection established")
	return nil
}

// establish seeds the sequence counters and moves to ESTABLISHED.
func (s *Socket) establish(writeSeq, readSeq uint32, handshakeAck *Segment) {
	s.readMu.Lock()
	s.readSeq = readSeq
	s.readMu.Unlock()
	s.in.reset(readSeq)

	s.mu.Lock()
	s.writeSeq = writeSeq
	s.handshakeAck = handshakeAck
	if s.state == StateHandshaking {
		s.state = StateEstablished
	}
	s.mu.Unlock()
	s.connected.Store(true)
}

// Listen turns a bound socket into a listener with a SYN backlog of the given size.
// A backlog <= 0 uses the configured default.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = s.config.backlog
	}
	s.mu.Lock()
	switch s.state {
	case StateBound:
	case StateUnbound:
		s.mu.Unlock()
		return ErrNotBound
	default:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.role = RoleListener
	s.synQueue = NewBlockingList[*TimedSegment](backlog)
	s.state = StateListening
	comm := s.comm
	s.mu.Unlock()

	if err := comm.RegisterListener(s); err != nil {
		s.finishClose(err)
		return err
	}
	comm.Start()
	log.Info().Str("local", s.local.String()).Int("backlog", backlog).Msg("listening")
	return nil
}

// Accept blocks until a client completed the opening handshake and returns
// the socket of that connection. SYNs from peers that already own a socket
// are skipped, and a failed handshake makes Accept wait for the next SYN.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	s.mu.Lock()
	st, q := s.state, s.synQueue
	s.mu.Unlock()
	if st != StateListening || q == nil {
		if st == StateClosed {
			return nil, ErrSocketClosed
		}
		return nil, ErrNotListening
	}

	for {
		syn, err := q.Take(ctx)
		if err != nil {
			if errors.Is(err, ErrListClosed) {
				return nil, ErrSocketClosed
			}
			return nil, err
		}
		if s.comm.Lookup(syn.Src) != nil {
			log.Debug().Str("remote", syn.Src.String()).Msg("SYN from a connected peer skipped")
			continue
		}

		child, err := s.acceptOne(ctx, syn)
		if err == nil {
			return child, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.closedFlag.Load() {
			return nil, ErrSocketClosed
		}
		log.Debug().Err(err).Str("remote", syn.Src.String()).Msg("handshake failed, waiting for the next SYN")
	}
}

func (s *Socket) acceptOne(ctx context.Context, syn *TimedSegment) (*Socket, error) {
	child := newSocket(s.core)
	child.parent = s
	child.comm = s.comm
	child.local = s.local
	child.remote = syn.Src
	child.factory = NewSegmentFactory(s.local, syn.Src)
	child.state = StateHandshaking

	readSeq := SeqIncrement(syn.Seq())
	synack := child.factory.AcceptHandshake(syn.Segment)
	writeSeq := SeqIncrement(synack.Seq())
	// data may overtake the final ACK of the handshake
	child.readMu.Lock()
	child.readSeq = readSeq
	child.readMu.Unlock()
	child.in.reset(readSeq)

	if err := s.comm.Register(syn.Src, child); err != nil {
		child.finishClose(err)
		return nil, err
	}

	rt := NewRetransmission(synack, writeSeq, s.config.segmentTimeout, func(ack *Segment) bool {
		return ack.PayloadLength() == 0 && ack.Seq() == readSeq
	})
	child.track(rt, false)
	s.comm.SendRepeatedly(rt)

	var err error
	select {
	case <-rt.Done():
		err = rt.Err()
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.closed:
		err = ErrSocketClosed
	}
	if err != nil {
		child.finishClose(err)
		return nil, err
	}

	child.establish(writeSeq, readSeq, NewSegment(0).SetFlags(ACKFlag).SetSeq(readSeq).SetAck(writeSeq))
	log.Info().Str("local", child.local.String()).Str("remote", child.remote.String()).Msg("connection accepted")
	return child, nil
}

// track registers rt so that a matching pure ACK completes it. Data
// retransmissions are also counted as in flight until acknowledged, and
// their failure is reported by the next write.
func (s *Socket) track(rt *Retransmission, data bool) {
	s.outstanding.Offer(rt)
	if data {
		s.inFlight.Offer(rt)
	}
	rt.OnDone(func(err error) {
		if err != nil && data && !errors.Is(err, ErrSocketClosed) {
			s.setWriteErr(errors.Wrapf(err, "data segment %d", rt.Segment().Seq()))
		}
		s.outstanding.RemoveIf(func(r *Retransmission) bool { return r == rt })
		if data {
			s.inFlight.RemoveIf(func(r *Retransmission) bool { return r == rt })
			s.out.wake()
			if err == nil && s.out.Buffered() > 0 {
				s.comm.ScheduleFlush(s)
			}
		}
	})
}

func (s *Socket) setWriteErr(err error) {
	s.errMu.Lock()
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.errMu.Unlock()
}

func (s *Socket) writeError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.writeErr
}

// writeCheck is the reason a write must fail right now, or nil.
func (s *Socket) writeCheck() error {
	if err := s.writeError(); err != nil {
		return err
	}
	if s.outputShut.Load() {
		return ErrOutputShutdown
	}
	if s.closedFlag.Load() {
		return ErrSocketClosed
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// readAbort ends a blocked read. A local Close reports ErrSocketClosed, while
// input shut by ShutdownInput or by the peer's close reports io.EOF.
func (s *Socket) readAbort() error {
	if s.closing.Load() {
		return ErrSocketClosed
	}
	if s.inputShut.Load() {
		return io.EOF
	}
	if s.closedFlag.Load() {
		return ErrSocketClosed
	}
	return nil
}

// Handle sorts a segment received from the peer. It runs on the receive loop
// and never blocks.
func (s *Socket) Handle(seg *RoutedSegment) {
	if seg.PayloadLength() > 0 {
		s.mu.Lock()
		role, f := s.role, s.factory
		s.mu.Unlock()
		switch {
		case seg.Flags()&(SYNFlag|FINFlag) != 0:
			log.Warn().Str("segment", seg.String()).Msg("SYN or FIN carrying data, dropped")
		case role == RoleListener || f == nil:
			log.Debug().Str("segment", seg.String()).Msg("data for a socket without a connection, dropped")
		default:
			s.handleData(seg)
		}
		return
	}
	typ, err := seg.Type()
	if err != nil {
		log.Warn().Err(err).Str("segment", seg.String()).Msg("dropping segment")
		return
	}
	switch typ {
	case TypeSYN:
		s.handleSyn(seg)
	case TypeSYNACK:
		s.handleSynAck(seg)
	case TypeACK:
		s.handleAck(seg)
	case TypeFIN:
		s.handleFin(seg)
	case TypeFINACK:
		s.handleFinAck(seg)
	default:
		log.Debug().Str("segment", seg.String()).Msg("empty segment dropped")
	}
}

func (s *Socket) enqueue(q *BlockingList[*TimedSegment], seg *RoutedSegment) bool {
	return q.OfferUnique(NewTimedSegment(seg, s.config.controlTTL), func(o *TimedSegment) bool {
		return o.Equal(seg.Segment)
	})
}

func (s *Socket) handleSyn(seg *RoutedSegment) {
	s.mu.Lock()
	q := s.synQueue
	s.mu.Unlock()
	if q == nil {
		return
	}
	if !s.enqueue(q, seg) {
		log.Debug().Str("segment", seg.String()).Msg("SYN dropped: duplicate or backlog full")
	}
}

func (s *Socket) handleSynAck(seg *RoutedSegment) {
	s.mu.Lock()
	st, hs := s.state, s.handshakeAck
	s.mu.Unlock()

	switch {
	case st == StateHandshaking:
		s.enqueue(s.synAckQueue, seg)
	case hs != nil && st != StateClosed && seg.Ack() == hs.Seq():
		// our final ACK got lost
		s.comm.SendOnce(s.factory.FinalizeHandshake(seg.Segment))
	}
}

func (s *Socket) handleAck(seg *RoutedSegment) {
	s.mu.Lock()
	hs := s.handshakeAck
	s.mu.Unlock()
	if hs != nil && hs.Equal(seg.Segment) {
		return
	}
	if s.processAck(seg.Segment) {
		return
	}
	// nothing waits on plain ACKs, the sweeper evicts them
	s.enqueue(s.ackQueue, seg)
}

// processAck completes the retransmission acknowledged by seg, if any.
func (s *Socket) processAck(seg *Segment) bool {
	rt, ok := s.outstanding.Find(func(r *Retransmission) bool { return r.Matches(seg) })
	if !ok {
		return false
	}
	rt.Cancel()
	return true
}

func (s *Socket) handleFinAck(seg *RoutedSegment) {
	s.mu.Lock()
	closeAck := s.closeAck
	s.mu.Unlock()
	if closeAck != nil && seg.Ack() == closeAck.Seq() {
		// the peer did not get our final ACK
		s.comm.SendOnce(s.factory.FinalizeClose(seg.Segment))
		return
	}
	s.enqueue(s.finAckQueue, seg)
}

func (s *Socket) handleData(seg *RoutedSegment) {
	seq := seg.Seq()
	sameSeq := func(o *TimedSegment) bool { return o.Seq() == seq }

	accepted := true
	s.readMu.Lock()
	switch {
	case s.inputShut.Load():
		log.Debug().Err(ErrInputShutdown).Uint32("seq", seq).Msg("data discarded")
	case isLess(seq, s.readSeq):
		// already consumed, the peer missed our ACK
	case s.dataQueue.OfferUnique(NewTimedSegment(seg, 0), sameSeq):
		s.mu.Lock()
		s.pendingAck, s.owesAck = seq, true
		s.mu.Unlock()
	case s.dataQueue.Contains(sameSeq):
	default:
		accepted = false
	}
	s.readMu.Unlock()

	if accepted {
		s.comm.SendOnce(s.factory.DataAck(seq))
	} else {
		log.Debug().Uint32("seq", seq).Msg("receive queue full, data segment left unacknowledged")
	}
	if seg.IsACK() {
		s.processAck(seg.Segment)
	}
}

// FetchData blocks until the data segment numbered seq arrived and returns
// its payload. It returns io.EOF once input is shut and no such segment is
// queued, and ErrSocketClosed once the socket itself was closed.
func (s *Socket) FetchData(ctx context.Context, seq uint32) ([]byte, error) {
	if s.closing.Load() {
		return nil, ErrSocketClosed
	}
	ts, err := s.dataQueue.TakeFirst(ctx, func(ts *TimedSegment) bool { return ts.Seq() == seq }, s.readAbort)
	if err != nil {
		if errors.Is(err, ErrListClosed) {
			if s.inputShut.Load() && !s.closing.Load() {
				return nil, io.EOF
			}
			return nil, ErrSocketClosed
		}
		return nil, err
	}

	s.readMu.Lock()
	if next := SeqIncrement(seq); isGreater(next, s.readSeq) {
		s.readSeq = next
	}
	readSeq := s.readSeq
	// drop duplicates queued while the segment was being taken
	s.dataQueue.RemoveIf(func(o *TimedSegment) bool { return isLess(o.Seq(), readSeq) })
	s.readMu.Unlock()

	return ts.Payload(), nil
}

// FlushAndSend sends at most one segment worth of buffered output. It is
// called by the communicator's flusher and reschedules itself while output
// remains.
func (s *Socket) FlushAndSend() {
	if s.closedFlag.Load() || s.writeError() != nil {
		s.out.discard()
		return
	}
	if s.inFlight.Len() >= s.config.queueCapacity {
		// resumed when an acknowledgment arrives
		return
	}

	s.mu.Lock()
	chunk := s.out.peek(s.config.maxPayloadSize)
	if len(chunk) == 0 {
		s.mu.Unlock()
		return
	}
	seq := s.writeSeq
	s.writeSeq = SeqIncrement(seq)
	ack, owes := s.pendingAck, s.owesAck
	s.owesAck = false
	seg := s.factory.Data(chunk, seq, ack, owes)
	rt := NewRetransmission(seg, seq, s.config.segmentTimeout, nil)
	s.track(rt, true)
	s.out.drop(len(chunk))
	s.mu.Unlock()

	s.comm.SendRepeatedly(rt)
	log.Trace().Uint32("seq", seq).Int("len", len(chunk)).Msg("data segment sent")

	if s.out.Buffered() > 0 {
		s.comm.ScheduleFlush(s)
	}
}

// ShutdownInput stops accepting data. Segments already queued can still be read.
func (s *Socket) ShutdownInput() error {
	if !s.inputShut.CompareAndSwap(false, true) {
		return ErrInputShutdown
	}
	s.dataQueue.Wake()
	return nil
}

// ShutdownOutput flushes buffered output, waits until it was acknowledged
// and refuses further writes.
func (s *Socket) ShutdownOutput() error {
	if s.outputShut.Load() {
		return ErrOutputShutdown
	}
	err := s.out.Flush(context.Background())
	s.outputShut.Store(true)
	s.out.wake()
	return err
}

func (s *Socket) shutInput() {
	s.inputShut.Store(true)
	s.dataQueue.Wake()
}

// sweep evicts received segments whose lifetime ended.
func (s *Socket) sweep(now time.Time) {
	s.mu.Lock()
	queues := []*BlockingList[*TimedSegment]{s.synQueue, s.synAckQueue, s.ackQueue, s.finAckQueue, s.dataQueue}
	s.mu.Unlock()

	expired := func(ts *TimedSegment) bool { return ts.Expired(now) }
	for _, q := range queues {
		if q == nil {
			continue
		}
		if n := q.RemoveIf(expired); n > 0 {
			log.Trace().Int("count", n).Msg("expired segments swept")
		}
	}
}
