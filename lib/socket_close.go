package lib

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Close shuts the socket down. An established connection runs the close
// handshake first; the returned error is the one of the handshake, and the
// socket is released either way. Closing twice is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	st := s.state
	if st == StateEstablished {
		s.state = StateActiveClose
	}
	s.mu.Unlock()
	s.closing.Store(true)

	switch st {
	case StateEstablished:
		return s.activeClose()
	case StatePassiveClose:
		// stop waiting for the application to drain the input
		s.dataQueue.Wake()
		<-s.closed
		return s.closeError()
	case StateActiveClose:
		<-s.closed
		return s.closeError()
	case StateClosed:
		return nil
	default:
		// unbound, bound, listening or handshaking
		s.finishClose(nil)
		return nil
	}
}

func (s *Socket) closeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Socket) activeClose() error {
	ctx := context.Background()

	err := s.out.Flush(ctx)
	if err != nil {
		log.Warn().Err(err).Str("remote", s.remote.String()).Msg("unsent data on close")
	}
	s.outputShut.Store(true)
	s.out.wake()

	fin := s.factory.InitiateClose()
	want := SeqIncrement(fin.Seq())
	rt := NewRetransmission(fin, want, s.config.segmentTimeout, nil)
	rt.OnDone(func(error) { s.finAckQueue.Wake() })
	s.comm.SendRepeatedly(rt)
	log.Debug().Str("remote", s.remote.String()).Uint32("seq", fin.Seq()).Msg("FIN sent")

	finack, ferr := s.finAckQueue.TakeFirst(ctx, func(ts *TimedSegment) bool { return ts.Ack() == want }, rt.Err)
	rt.Cancel()
	if ferr == nil {
		ack := s.factory.FinalizeClose(finack.Segment)
		s.mu.Lock()
		s.closeAck = ack.Segment
		s.mu.Unlock()
		s.comm.SendOnce(ack)
		// answer a FIN+ACK resent because this ACK got lost
		time.Sleep(s.config.closeGrace)
	} else {
		if errors.Is(ferr, ErrListClosed) {
			ferr = ErrSocketClosed
		}
		if err == nil {
			err = errors.Wrap(ferr, "close handshake")
		}
	}

	s.shutInput()
	s.finishClose(err)
	log.Info().Str("local", s.local.String()).Str("remote", s.remote.String()).Msg("connection closed")
	return err
}

func (s *Socket) handleFin(seg *RoutedSegment) {
	s.mu.Lock()
	st := s.state
	answer := false
	switch st {
	case StateEstablished:
		s.state = StatePassiveClose
	case StateActiveClose:
		// copies crossing our FIN+ACK on the wire are not answered again
		if now := time.Now(); now.Sub(s.finAnswered) >= s.config.retransmitPeriod {
			answer = true
			s.finAnswered = now
		}
	}
	s.mu.Unlock()

	switch st {
	case StateEstablished:
		go s.passiveClose(seg)
	case StateActiveClose:
		// both ends closing at once
		if answer {
			s.comm.SendOnce(s.factory.AcceptClose(seg.Segment))
		}
	default:
		log.Debug().Str("segment", seg.String()).Str("state", st.String()).Msg("FIN ignored")
	}
}

func (s *Socket) passiveClose(fin *RoutedSegment) {
	finack := s.factory.AcceptClose(fin.Segment)
	rt := NewRetransmission(finack, SeqIncrement(finack.Seq()), s.config.segmentTimeout, nil)
	s.track(rt, false)
	s.comm.SendRepeatedly(rt)
	log.Debug().Str("remote", s.remote.String()).Msg("peer closed its output")

	s.outputShut.Store(true)
	s.out.discard()

	err := s.dataQueue.WaitEmpty(context.Background(), func() error {
		if s.closing.Load() {
			return ErrSocketClosed
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("remote", s.remote.String()).Msg("input not drained before close")
	}
	s.shutInput()

	err = rt.Wait(context.Background())
	if err != nil {
		err = errors.Wrap(err, "close handshake")
	}
	s.finishClose(err)
	log.Info().Str("local", s.local.String()).Str("remote", s.remote.String()).Msg("connection closed by peer")
}

// finishClose releases everything the socket holds and leaves it CLOSED.
func (s *Socket) finishClose(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeErr = err
		comm := s.comm
		queues := []*BlockingList[*TimedSegment]{s.synQueue, s.synAckQueue, s.ackQueue, s.finAckQueue, s.dataQueue}
		s.mu.Unlock()
		s.closedFlag.Store(true)

		for _, q := range queues {
			if q != nil {
				q.Close()
			}
		}
		for _, rt := range s.outstanding.Snapshot() {
			rt.complete(ErrSocketClosed)
		}
		s.outstanding.Close()
		s.inFlight.Close()
		s.out.close()

		if comm != nil {
			comm.ConnectionClosed(s)
		}
		s.core.forget(s)
		close(s.closed)
	})
}
