package lib

import (
	"context"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/Clouded-Sabre/tou/config"
	"github.com/Clouded-Sabre/tou/filter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// coreConfig is config.Config with durations resolved.
type coreConfig struct {
	retransmitPeriod time.Duration
	segmentTimeout   time.Duration
	handshakeTimeout time.Duration
	sweepPeriod      time.Duration
	controlTTL       time.Duration
	closeGrace       time.Duration
	queueCapacity    int
	backlog          int
	sendBufferSize   int
	maxPayloadSize   int
	payloadPoolSize  int
	tos              int
	debug            bool
}

func newCoreConfig(cfg *config.Config) *coreConfig {
	return &coreConfig{
		retransmitPeriod: msToDuration(cfg.RetransmitPeriodMs),
		segmentTimeout:   msToDuration(cfg.SegmentTimeoutMs),
		handshakeTimeout: msToDuration(cfg.HandshakeTimeoutMs),
		sweepPeriod:      msToDuration(cfg.SweepPeriodMs),
		controlTTL:       msToDuration(cfg.ReceivedSegmentTTLMs),
		closeGrace:       msToDuration(cfg.CloseGraceMs),
		queueCapacity:    cfg.QueueCapacity,
		backlog:          cfg.Backlog,
		sendBufferSize:   cfg.SendBufferSize,
		maxPayloadSize:   cfg.MaxPayloadSize,
		payloadPoolSize:  cfg.PayloadPoolSize,
		tos:              cfg.TOS,
		debug:            cfg.Debug,
	}
}

// Core is the entry point of the TOU stack. It creates sockets, owns the
// client port range and the drop filter shared by every endpoint, and closes
// whatever is still open on Close.
type Core struct {
	config   *coreConfig
	portPool *PortPool

	mu      sync.Mutex
	filter  filter.Filter
	sockets map[*Socket]struct{}
	closed  bool
}

// NewCore validates cfg and builds a core. A nil cfg uses config.DefaultConfig.
func NewCore(cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	rp.Debug = cfg.Debug
	c := &Core{
		config:  newCoreConfig(cfg),
		filter:  filter.NewFilter(cfg.PacketLossRate, cfg.PacketLossSeed),
		sockets: make(map[*Socket]struct{}),
	}
	if cfg.ClientPortLower > 0 && cfg.ClientPortUpper >= cfg.ClientPortLower {
		c.portPool = newPortPool(cfg.ClientPortLower, cfg.ClientPortUpper)
	}

	log.Debug().
		Dur("retransmit_period", c.config.retransmitPeriod).
		Dur("segment_timeout", c.config.segmentTimeout).
		Float64("loss_rate", cfg.PacketLossRate).
		Msg("TOU core started")
	return c, nil
}

// SetFilter replaces the drop filter of endpoints created from now on.
func (c *Core) SetFilter(f filter.Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// NewSocket returns an unbound socket.
func (c *Core) NewSocket() *Socket {
	return newSocket(c)
}

func (c *Core) newCommunicator(local *net.UDPAddr) (*Communicator, error) {
	c.mu.Lock()
	closed, f := c.closed, c.filter
	c.mu.Unlock()
	if closed {
		return nil, ErrSocketClosed
	}
	return newCommunicator(local, c.config, f)
}

func (c *Core) track(s *Socket) {
	c.mu.Lock()
	c.sockets[s] = struct{}{}
	c.mu.Unlock()
}

func (c *Core) forget(s *Socket) {
	c.mu.Lock()
	delete(c.sockets, s)
	c.mu.Unlock()
}

// Dial connects to addr ("host:port").
func (c *Core) Dial(ctx context.Context, addr string) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", addr)
	}
	s := c.NewSocket()
	if err := s.Connect(ctx, raddr); err != nil {
		c.forget(s)
		return nil, err
	}
	return newConn(s), nil
}

// Listen binds addr ("host:port") and starts accepting connections on it.
func (c *Core) Listen(addr string) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", addr)
	}
	s := c.NewSocket()
	if err := s.Bind(laddr); err != nil {
		c.forget(s)
		return nil, err
	}
	if err := s.Listen(0); err != nil {
		return nil, err
	}
	return &Listener{s: s}, nil
}

// Close closes every socket still open, running their close handshakes in parallel.
func (c *Core) Close() error {
	c.mu.Lock()
	c.closed = true
	sockets := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, s := range sockets {
		wg.Add(1)
		go func(s *Socket) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	log.Debug().Int("sockets", len(sockets)).Msg("TOU core closed")
	return firstErr
}
