package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Payload is a datagram sized receive buffer handed out by the ring pool.
// The receive loop reads straight into it; ParseSegment copies what it keeps,
// so the chunk goes back to the pool as soon as the datagram is classified.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. It expects one parameter: the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Int("params", len(params)).Msg("NewPayload: expected exactly one parameter (buffer length)")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Error().Interface("param", params[0]).Msg("NewPayload: buffer length must be a positive int")
		return nil
	}
	return &Payload{payloadBytes: make([]byte, bufferLength)}
}

// newPayloadPool builds the receive buffers of one endpoint.
func newPayloadPool(size, bufferLength int, debug bool) *rp.RingPool {
	pool := rp.NewRingPool("TOU: ", size, NewPayload, bufferLength)
	pool.Debug = debug
	return pool
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset only forgets the length; the next read overwrites the bytes.
func (p *Payload) Reset() {
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return errors.Errorf("payload copy: source (%d bytes) is longer than buffer (%d bytes)", len(src), len(p.payloadBytes))
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

// Buffer exposes the whole backing array for reading a datagram into.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

// SetLength records how many bytes of Buffer hold the current datagram.
func (p *Payload) SetLength(n int) {
	p.length = n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
