package lib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Segment is a TOU segment as it travels inside one UDP datagram:
//
//	+----------------+----------------+-------+-------------+
//	| seq (4 bytes)  | ack (4 bytes)  | flags | payload ... |
//	+----------------+----------------+-------+-------------+
//
// flags: bit7 ACK, bit6 SYN, bit5 FIN, the rest is reserved and zero.
// All integers are big endian. A segment must not be modified once sent.
type Segment struct {
	bytes []byte
}

// NewSegment allocates a zeroed segment able to hold payloadSize bytes.
func NewSegment(payloadSize int) *Segment {
	return &Segment{bytes: make([]byte, HeaderSize+payloadSize)}
}

// ParseSegment copies b into a new segment.
func ParseSegment(b []byte) (*Segment, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformedSegment, "length %d < header size %d", len(b), HeaderSize)
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	return &Segment{bytes: buf}, nil
}

func (s *Segment) Seq() uint32 {
	return binary.BigEndian.Uint32(s.bytes[seqOffset:])
}

func (s *Segment) SetSeq(seq uint32) *Segment {
	binary.BigEndian.PutUint32(s.bytes[seqOffset:], seq)
	return s
}

func (s *Segment) Ack() uint32 {
	return binary.BigEndian.Uint32(s.bytes[ackOffset:])
}

func (s *Segment) SetAck(ack uint32) *Segment {
	binary.BigEndian.PutUint32(s.bytes[ackOffset:], ack)
	return s
}

func (s *Segment) Flags() uint8 {
	return s.bytes[flagsOffset]
}

func (s *Segment) SetFlags(flags uint8) *Segment {
	s.bytes[flagsOffset] = flags
	return s
}

func (s *Segment) IsACK() bool { return s.Flags()&ACKFlag != 0 }
func (s *Segment) IsSYN() bool { return s.Flags()&SYNFlag != 0 }
func (s *Segment) IsFIN() bool { return s.Flags()&FINFlag != 0 }

// SetPayload copies p after the header. The segment must have room for it.
func (s *Segment) SetPayload(p []byte) *Segment {
	copy(s.bytes[HeaderSize:], p)
	return s
}

func (s *Segment) Payload() []byte {
	return s.bytes[HeaderSize:]
}

func (s *Segment) PayloadLength() int {
	return len(s.bytes) - HeaderSize
}

// Bytes returns the wire representation. Callers must not modify it.
func (s *Segment) Bytes() []byte {
	return s.bytes
}

func (s *Segment) Len() int {
	return len(s.bytes)
}

// Equal reports whether both segments carry identical bytes.
func (s *Segment) Equal(o *Segment) bool {
	return o != nil && bytes.Equal(s.bytes, o.bytes)
}

// Type classifies the segment by its flag combination.
func (s *Segment) Type() (SegmentType, error) {
	return TypeOf(s)
}

func TypeOf(s *Segment) (SegmentType, error) {
	a, syn, f := s.IsACK(), s.IsSYN(), s.IsFIN()
	switch {
	case !syn && !a && !f:
		return TypeOrdinary, nil
	case !syn && a && !f:
		return TypeACK, nil
	case syn && !a && !f:
		return TypeSYN, nil
	case syn && a && !f:
		return TypeSYNACK, nil
	case !syn && !a && f:
		return TypeFIN, nil
	case !syn && a && f:
		return TypeFINACK, nil
	}
	return 0, errors.Wrapf(ErrUnknownSegmentType, "flags %08b", s.Flags())
}

func (s *Segment) flagsString() string {
	b := []byte("---")
	if s.IsSYN() {
		b[0] = 'S'
	}
	if s.IsACK() {
		b[1] = 'A'
	}
	if s.IsFIN() {
		b[2] = 'F'
	}
	return string(b)
}

func (s *Segment) String() string {
	return fmt.Sprintf("[%s seq: %d ack: %d len: %d]", s.flagsString(), s.Seq(), s.Ack(), s.PayloadLength())
}

// RoutedSegment pairs a segment with the addresses it came from or goes to.
// The addresses come from the datagram metadata, never from the segment bytes.
type RoutedSegment struct {
	*Segment
	Src, Dst *net.UDPAddr
}

func NewRoutedSegment(seg *Segment, src, dst *net.UDPAddr) *RoutedSegment {
	return &RoutedSegment{Segment: seg, Src: src, Dst: dst}
}

func (r *RoutedSegment) String() string {
	return fmt.Sprintf("%s %s->%s", r.Segment.String(), r.Src, r.Dst)
}

// TimedSegment is a routed segment with an absolute expiry. A zero deadline never expires.
type TimedSegment struct {
	*RoutedSegment
	Deadline time.Time
}

func NewTimedSegment(seg *RoutedSegment, ttl time.Duration) *TimedSegment {
	ts := &TimedSegment{RoutedSegment: seg}
	if ttl > 0 {
		ts.Deadline = time.Now().Add(ttl)
	}
	return ts
}

func (t *TimedSegment) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}
