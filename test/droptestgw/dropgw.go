package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/tou/filter"
	"github.com/Clouded-Sabre/tou/lib"
	"github.com/Clouded-Sabre/tou/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	gatewayAddr string
	targetAddr  string
	dropRate    float64
	seed        int64
	idle        time.Duration
	logLevel    string
)

func init() {
	flag.StringVar(&gatewayAddr, "listen", "127.0.0.2:8901", "Gateway address")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:7080", "TOU server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Datagram drop rate (0.0-1.0)")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "Seed of the drop generator")
	flag.DurationVar(&idle, "idle", time.Minute, "Forget a client after this long without traffic")
	flag.StringVar(&logLevel, "loglevel", "info", "Log level")
	flag.Parse()
}

// relay forwards the datagrams of one client to the target through its own
// UDP socket, so that the server sees one distinct peer per client.
type relay struct {
	client   *net.UDPAddr
	upstream *net.UDPConn
	lastSeen time.Time
}

type gateway struct {
	conn   *net.UDPConn
	target *net.UDPAddr
	drop   filter.Filter

	mu     sync.Mutex
	relays map[string]*relay
	wg     sync.WaitGroup
}

func main() {
	logging.Setup(logLevel, "text")

	laddr, err := net.ResolveUDPAddr("udp", gatewayAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid gateway address")
	}
	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid target address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Fatal().Err(err).Msg("gateway listen error")
	}

	gw := &gateway{
		conn:   conn,
		target: target,
		drop:   filter.NewFilter(dropRate, seed),
		relays: make(map[string]*relay),
	}
	log.Info().Str("listen", conn.LocalAddr().String()).Str("target", target.String()).Float64("drop_rate", dropRate).Msg("drop gateway started")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info().Msg("shutting down")
		conn.Close()
	}()
	go gw.expire()

	gw.serve()
	gw.closeAll()
	gw.wg.Wait()
	log.Info().Uint64("dropped", gw.drop.Dropped()).Msg("gateway exiting")
}

func (g *gateway) serve() {
	buf := make([]byte, lib.MaxDatagramSize)
	for {
		n, client, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("read error")
			}
			return
		}
		r, err := g.relayFor(client)
		if err != nil {
			log.Error().Err(err).Str("client", client.String()).Msg("cannot open relay")
			continue
		}
		if g.dropped(filter.Outbound, g.target, buf[:n], "client-to-server") {
			continue
		}
		if _, err := r.upstream.Write(buf[:n]); err != nil {
			log.Warn().Err(err).Str("client", client.String()).Msg("forward to server failed")
		}
	}
}

func (g *gateway) relayFor(client *net.UDPAddr) (*relay, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.relays[client.String()]; ok {
		r.lastSeen = time.Now()
		return r, nil
	}
	upstream, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", g.target)
	}
	r := &relay{client: client, upstream: upstream, lastSeen: time.Now()}
	g.relays[client.String()] = r
	log.Info().Str("client", client.String()).Str("via", upstream.LocalAddr().String()).Msg("new client")

	g.wg.Add(1)
	go g.backward(r)
	return r, nil
}

// backward copies the server's datagrams back to the client.
func (g *gateway) backward(r *relay) {
	defer g.wg.Done()
	buf := make([]byte, lib.MaxDatagramSize)
	for {
		n, err := r.upstream.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("client", r.client.String()).Msg("read from server failed")
			}
			return
		}
		if g.dropped(filter.Inbound, r.client, buf[:n], "server-to-client") {
			continue
		}
		if _, err := g.conn.WriteToUDP(buf[:n], r.client); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("client", r.client.String()).Msg("forward to client failed")
		}
	}
}

func (g *gateway) dropped(dir filter.Direction, peer net.Addr, datagram []byte, direction string) bool {
	if !g.drop.Drop(dir, peer, datagram) {
		return false
	}
	e := log.Info().Str("direction", direction).Int("size", len(datagram))
	if seg, err := lib.ParseSegment(datagram); err == nil {
		e = e.Str("segment", seg.String())
	}
	e.Msg("dropped datagram")
	return true
}

func (g *gateway) expire() {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for range ticker.C {
		g.mu.Lock()
		for key, r := range g.relays {
			if time.Since(r.lastSeen) > idle {
				r.upstream.Close()
				delete(g.relays, key)
				log.Info().Str("client", r.client.String()).Msg("idle client forgotten")
			}
		}
		g.mu.Unlock()
	}
}

func (g *gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, r := range g.relays {
		r.upstream.Close()
		delete(g.relays, key)
	}
}
