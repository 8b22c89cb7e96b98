package lib

import "github.com/pkg/errors"

var (
	ErrMalformedSegment      = errors.New("malformed segment")
	ErrUnknownSegmentType    = errors.New("unknown segment type")
	ErrRetransmissionExpired = errors.New("segment was not acknowledged before its deadline")
	ErrHandshakeTimeout      = errors.Wrap(ErrRetransmissionExpired, "handshake timed out")
	ErrSocketClosed          = errors.New("socket closed")
	ErrInputShutdown         = errors.New("socket input is shut down")
	ErrOutputShutdown        = errors.New("socket output is shut down")
	ErrNotBound              = errors.New("socket is not bound")
	ErrAlreadyBound          = errors.New("socket is already bound")
	ErrNotListening          = errors.New("socket is not listening")
	ErrAlreadyConnected      = errors.New("socket is already connected")
	ErrNotConnected          = errors.New("socket is not connected")
	ErrListClosed            = errors.New("blocking list closed")
	ErrPortPoolEmpty         = errors.New("port pool is empty")
)

// TimeoutError is returned by Conn operations whose deadline passed.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string   { return e.msg }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }
