package lib

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Clouded-Sabre/tou/filter"
	"github.com/pkg/errors"
)

func listenLoopback(t *testing.T, core *Core) *Socket {
	t.Helper()
	s := core.NewSocket()
	if err := s.Bind(&net.UDPAddr{IP: loopback}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return s
}

// connectPair opens a connection to listener and returns both of its ends.
func connectPair(t *testing.T, core *Core, listener *Socket) (client, child *Socket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		s   *Socket
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		s, err := listener.Accept(ctx)
		ch <- accepted{s, err}
	}()

	client = core.NewSocket()
	if err := client.Connect(ctx, listener.LocalAddr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a := <-ch
	if a.err != nil {
		t.Fatalf("Accept: %v", a.err)
	}
	return client, a.s
}

func readPosition(s *Socket) uint32 {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.readSeq
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s not closed", what)
	}
}

func TestHandshakeSeedsSequenceNumbers(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	if client.State() != StateEstablished || child.State() != StateEstablished {
		t.Fatalf("states: client %s, child %s", client.State(), child.State())
	}
	if listener.State() != StateListening || listener.Role() != RoleListener {
		t.Fatalf("listener is %s", listener.State())
	}

	client.mu.Lock()
	clientWrite := client.writeSeq
	client.mu.Unlock()
	child.mu.Lock()
	childWrite := child.writeSeq
	child.mu.Unlock()

	if childRead := readPosition(child); clientWrite != childRead {
		t.Errorf("client writes from %d, server reads from %d", clientWrite, childRead)
	}
	if clientRead := readPosition(client); childWrite != clientRead {
		t.Errorf("server writes from %d, client reads from %d", childWrite, clientRead)
	}
	if child.Communicator() != listener.Communicator() {
		t.Error("accepted socket must share the listener endpoint")
	}
}

func TestAcceptedRemoteIsClientLocal(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	if addrKey(child.RemoteAddr()) != addrKey(client.LocalAddr()) {
		t.Fatalf("child remote %s, client local %s", child.RemoteAddr(), client.LocalAddr())
	}
	if addrKey(client.RemoteAddr()) != addrKey(child.LocalAddr()) {
		t.Fatalf("client remote %s, child local %s", client.RemoteAddr(), child.LocalAddr())
	}
}

func TestDataDeliveredOnceAtItsSequence(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client.mu.Lock()
	seq := client.writeSeq
	client.mu.Unlock()

	if _, err := client.OutputStream().WriteContext(ctx, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := client.OutputStream().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := child.FetchData(ctx, seq)
	if err != nil {
		t.Fatalf("FetchData: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if _, err := child.FetchData(short, seq); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("segment %d delivered twice: %v", seq, err)
	}
	if n := child.dataQueue.Len(); n != 0 {
		t.Fatalf("%d segments left in the receive queue", n)
	}
}

// fakeConnect connects a socket to peer, which answers the SYN by hand with
// sequence number 500. It returns the client, its SYN and its address.
func fakeConnect(t *testing.T, core *Core, peer *fakePeer) (*Socket, *Segment, *net.UDPAddr) {
	t.Helper()
	client := core.NewSocket()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- client.Connect(ctx, peer.addr()) }()

	syn, from := peer.read(time.Second)
	if syn == nil || !syn.IsSYN() || syn.IsACK() {
		t.Fatalf("expected SYN, got %v", syn)
	}
	peer.send(from, NewSegment(0).SetFlags(SYNFlag|ACKFlag).SetSeq(500).SetAck(syn.Seq()+1).Bytes())
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client, syn, from
}

// next returns the first segment satisfying match, skipping leftovers.
func (p *fakePeer) next(match func(*Segment) bool) *Segment {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		seg, _ := p.read(100 * time.Millisecond)
		if seg != nil && match(seg) {
			return seg
		}
	}
	p.t.Fatal("expected segment never arrived")
	return nil
}

func ofType(typ SegmentType) func(*Segment) bool {
	return func(s *Segment) bool {
		got, err := s.Type()
		return err == nil && got == typ && s.PayloadLength() == 0
	}
}

func TestDataRetransmittedUntilAcknowledged(t *testing.T) {
	core := newTestCore(t, nil)
	peer := newFakePeer(t)
	client, syn, from := fakeConnect(t, core, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)

	ack := peer.next(ofType(TypeACK))
	if ack.Seq() != syn.Seq()+1 || ack.Ack() != 501 {
		t.Fatalf("final handshake ACK = %s", ack)
	}

	if _, err := client.OutputStream().Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	isData := func(s *Segment) bool { return s.PayloadLength() > 0 }
	first := peer.next(isData)
	if first.Seq() != syn.Seq()+1 || string(first.Payload()) != "x" {
		t.Fatalf("data segment = %s", first)
	}
	for i := 0; i < 2; i++ {
		if again := peer.next(isData); !again.Equal(first) {
			t.Fatalf("retransmitted %s, want %s", again, first)
		}
	}

	peer.send(from, NewSegment(0).SetFlags(ACKFlag).SetAck(first.Seq()).Bytes())
	if err := client.OutputStream().Flush(ctx); err != nil {
		t.Fatalf("Flush after ACK: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	for {
		if seg, _ := peer.read(5 * time.Millisecond); seg == nil {
			break
		}
	}
	if seg, _ := peer.read(100 * time.Millisecond); seg != nil {
		t.Fatalf("still sending after the ACK: %s", seg)
	}

	go func() { errc <- client.Close() }()
	fin := peer.next(ofType(TypeFIN))
	peer.send(from, NewSegment(0).SetFlags(FINFlag|ACKFlag).SetSeq(900).SetAck(fin.Seq()+1).Bytes())
	last := peer.next(ofType(TypeACK))
	if last.Seq() != fin.Seq()+1 || last.Ack() != 901 {
		t.Fatalf("final close ACK = %s", last)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.State() != StateClosed {
		t.Fatalf("client is %s", client.State())
	}
}

func TestCloseReleasesEndpointOnce(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	var released atomic.Int32
	clientComm := client.Communicator()
	clientComm.OnStop(func() { released.Add(1) })

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, "client endpoint", clientComm.Stopped())
	waitClosed(t, "accepted socket", child.Closed())

	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if released.Load() != 1 {
		t.Fatalf("endpoint released %d times", released.Load())
	}
	if client.State() != StateClosed || child.State() != StateClosed {
		t.Fatalf("states: client %s, child %s", client.State(), child.State())
	}

	serverComm := listener.Communicator()
	select {
	case <-serverComm.Stopped():
		t.Fatal("listener endpoint released while listening")
	default:
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	waitClosed(t, "listener endpoint", serverComm.Stopped())
}

func TestEndpointOutlivesListenerWhileConnectionsRemain(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	c1, ch1 := connectPair(t, core, listener)
	c2, ch2 := connectPair(t, core, listener)
	serverComm := listener.Communicator()

	if n := serverComm.GroupSize(); n != 3 {
		t.Fatalf("group size %d, want 3", n)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	if _, err := listener.Accept(context.Background()); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Accept on a closed listener: %v", err)
	}

	if err := c1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, "first accepted socket", ch1.Closed())
	select {
	case <-serverComm.Stopped():
		t.Fatal("endpoint released with a live connection")
	default:
	}

	if err := c2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, "second accepted socket", ch2.Closed())
	waitClosed(t, "server endpoint", serverComm.Stopped())
}

func TestTransferOverLossyLink(t *testing.T) {
	core := newTestCore(t, nil)
	var lossy atomic.Bool
	lossy.Store(true)
	drop := filter.NewDropFilter(0.1, 42).OnlyWhen(func(filter.Direction, []byte) bool { return lossy.Load() })
	core.SetFilter(drop)

	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	want := make([]byte, 20000)
	for i := range want {
		want[i] = byte(i % 251)
	}

	got := make(chan []byte, 1)
	go func() {
		b, err := io.ReadAll(child.InputStream())
		if err != nil {
			t.Errorf("ReadAll: %v", err)
		}
		got <- b
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := client.OutputStream().WriteContext(ctx, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := client.OutputStream().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	lossy.Store(false)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case b := <-got:
		if !bytes.Equal(b, want) {
			t.Fatalf("received %d bytes, not the %d written", len(b), len(want))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reader never saw EOF")
	}
	if drop.Dropped() == 0 {
		t.Fatal("filter dropped nothing")
	}
}

func TestShutdownSemantics(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	if err := client.ShutdownOutput(); err != nil {
		t.Fatalf("ShutdownOutput: %v", err)
	}
	if err := client.ShutdownOutput(); !errors.Is(err, ErrOutputShutdown) {
		t.Fatalf("second ShutdownOutput: %v", err)
	}
	if _, err := client.OutputStream().Write([]byte("late")); !errors.Is(err, ErrOutputShutdown) {
		t.Fatalf("Write after shutdown: %v", err)
	}

	if err := child.ShutdownInput(); err != nil {
		t.Fatalf("ShutdownInput: %v", err)
	}
	if err := child.ShutdownInput(); !errors.Is(err, ErrInputShutdown) {
		t.Fatalf("second ShutdownInput: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := child.FetchData(ctx, readPosition(child)); err != io.EOF {
		t.Fatalf("FetchData after ShutdownInput: %v", err)
	}
}

func TestSocketStateErrors(t *testing.T) {
	core := newTestCore(t, nil)
	s := core.NewSocket()

	if err := s.Listen(0); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Listen unbound: %v", err)
	}
	if _, err := s.Accept(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Fatalf("Accept unbound: %v", err)
	}
	if _, err := s.OutputStream().Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Write unconnected: %v", err)
	}
	if err := s.Bind(&net.UDPAddr{IP: loopback}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Bind(&net.UDPAddr{IP: loopback}); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Bind: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Connect(context.Background(), &net.UDPAddr{IP: loopback, Port: 9}); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Connect after Close: %v", err)
	}
}

func TestConnectTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeoutMs = 100
	core := newTestCore(t, cfg)
	silent := newFakePeer(t)

	client := core.NewSocket()
	start := time.Now()
	err := client.Connect(context.Background(), silent.addr())
	if !errors.Is(err, ErrHandshakeTimeout) || !errors.Is(err, ErrRetransmissionExpired) {
		t.Fatalf("expected a handshake timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if client.State() != StateClosed {
		t.Fatalf("client is %s", client.State())
	}
	waitClosed(t, "client endpoint", client.Communicator().Stopped())
}

func TestConnectHonoursContext(t *testing.T) {
	core := newTestCore(t, nil)
	silent := newFakePeer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client := core.NewSocket()
	if err := client.Connect(ctx, silent.addr()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if client.State() != StateClosed {
		t.Fatalf("client is %s", client.State())
	}
}

func TestClientPortComesFromConfiguredRange(t *testing.T) {
	cfg := testConfig()
	cfg.ClientPortLower, cfg.ClientPortUpper = 45100, 45109
	core := newTestCore(t, cfg)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	if port := client.LocalAddr().Port; port < 45100 || port > 45109 {
		t.Fatalf("client bound to port %d", port)
	}
	if n := core.portPool.available(); n != 9 {
		t.Fatalf("%d ports available, want 9", n)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, "accepted socket", child.Closed())
	deadline := time.Now().Add(time.Second)
	for core.portPool.available() != 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := core.portPool.available(); n != 10 {
		t.Fatalf("port not returned, %d available", n)
	}
}

func TestListenerDropsDataSegments(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	peer := newFakePeer(t)
	local := listener.LocalAddr()

	stray := NewSegment(1).SetFlags(SYNFlag).SetSeq(5).SetPayload([]byte{'x'})
	listener.Handle(NewRoutedSegment(stray, peer.addr(), local))
	listener.Handle(NewRoutedSegment(NewSegment(1).SetSeq(6).SetPayload([]byte{'y'}), peer.addr(), local))
	peer.send(local, stray.Bytes())

	// the receive loop survived and still takes SYNs
	syn := NewSegment(0).SetFlags(SYNFlag).SetSeq(77)
	peer.send(local, syn.Bytes())
	deadline := time.Now().Add(time.Second)
	for listener.synQueue.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	queued := listener.synQueue.Snapshot()
	if len(queued) != 1 || !queued[0].Equal(syn) {
		t.Fatalf("SYN queue = %v, want exactly the bare SYN", queued)
	}
	if n := listener.dataQueue.Len(); n != 0 {
		t.Fatalf("listener queued %d data segments", n)
	}
}

func TestDataWithSynOrFinIsDropped(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	for _, flags := range []uint8{FINFlag, FINFlag | ACKFlag, SYNFlag, SYNFlag | ACKFlag} {
		seg := NewSegment(1).SetFlags(flags).SetSeq(readPosition(child)).SetPayload([]byte{'x'})
		child.Handle(NewRoutedSegment(seg, client.LocalAddr(), child.LocalAddr()))
		if st := child.State(); st != StateEstablished {
			t.Fatalf("%s moved the socket to %s", seg, st)
		}
		if n := child.dataQueue.Len(); n != 0 {
			t.Fatalf("%s queued as data", seg)
		}
	}
}

func TestReadAfterLocalCloseFails(t *testing.T) {
	core := newTestCore(t, nil)
	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.FetchData(ctx, readPosition(client)); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("FetchData after Close: %v", err)
	}
	if _, err := client.InputStream().Read(make([]byte, 8)); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Read after Close: %v", err)
	}

	// the peer closed the other end, so its reader sees a clean EOF
	waitClosed(t, "accepted socket", child.Closed())
	if _, err := child.InputStream().Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("Read on the passive side: %v", err)
	}
}

func TestSimultaneousClose(t *testing.T) {
	cfg := testConfig()
	cfg.RetransmitPeriodMs = 50
	cfg.CloseGraceMs = 200
	core := newTestCore(t, cfg)

	var (
		mu      sync.Mutex
		fins    = make(map[uint32]bool) // sequence numbers of the FINs sent
		finAcks = make(map[uint32]int)  // FIN+ACKs sent, by the FIN they answer
	)
	// FINs are held back until both ends sent one, so that they cross
	hold := filter.NewDropFilter(1, 1).OnlyWhen(func(dir filter.Direction, datagram []byte) bool {
		seg, err := ParseSegment(datagram)
		if err != nil {
			return false
		}
		typ, err := seg.Type()
		if err != nil || seg.PayloadLength() > 0 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case dir == filter.Outbound && typ == TypeFIN:
			fins[seg.Seq()] = true
		case dir == filter.Outbound && typ == TypeFINACK:
			finAcks[seg.Ack()-1]++
		case dir == filter.Inbound && typ == TypeFIN:
			return len(fins) < 2
		}
		return false
	})
	core.SetFilter(hold)

	listener := listenLoopback(t, core)
	client, child := connectPair(t, core, listener)
	var released atomic.Int32
	clientComm := client.Communicator()
	clientComm.OnStop(func() { released.Add(1) })

	errs := make(chan error, 2)
	go func() { errs <- client.Close() }()
	go func() { errs <- child.Close() }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("Close: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Close never returned")
		}
	}
	if client.State() != StateClosed || child.State() != StateClosed {
		t.Fatalf("states: client %s, child %s", client.State(), child.State())
	}
	if hold.Dropped() == 0 {
		t.Fatal("FINs did not cross")
	}

	mu.Lock()
	if len(fins) != 2 || len(finAcks) != 2 {
		t.Errorf("%d FINs answered by %d FIN+ACKs, want 2 and 2", len(fins), len(finAcks))
	}
	for fin, n := range finAcks {
		if !fins[fin] || n != 1 {
			t.Errorf("FIN %d answered %d times", fin, n)
		}
	}
	mu.Unlock()

	waitClosed(t, "client endpoint", clientComm.Stopped())
	if released.Load() != 1 {
		t.Fatalf("client endpoint released %d times", released.Load())
	}
	serverComm := listener.Communicator()
	if err := listener.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	waitClosed(t, "server endpoint", serverComm.Stopped())
}

func TestInputShutStillAcknowledgesData(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentTimeoutMs = 200
	core := newTestCore(t, cfg)
	peer := newFakePeer(t)
	client, _, from := fakeConnect(t, core, peer)
	peer.next(ofType(TypeACK))

	if err := client.ShutdownInput(); err != nil {
		t.Fatalf("ShutdownInput: %v", err)
	}
	peer.send(from, NewSegment(1).SetSeq(501).SetPayload([]byte("z")).Bytes())

	ack := peer.next(ofType(TypeACK))
	if ack.Ack() != 501 || ack.Seq() != 0 {
		t.Fatalf("data ACK = %s", ack)
	}
	if n := client.dataQueue.Len(); n != 0 {
		t.Fatalf("%d segments queued after ShutdownInput", n)
	}
}
