package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// LayerTypeTOU lets gopacket decode captured TOU datagrams, e.g. the payload
// of a layers.UDP layer, or raw datagrams in debug traces.
var LayerTypeTOU = gopacket.RegisterLayerType(4242, gopacket.LayerTypeMetadata{
	Name:    "TOU",
	Decoder: gopacket.DecodeFunc(decodeTOU),
})

// SegmentLayer is the gopacket view of a segment header.
type SegmentLayer struct {
	layers.BaseLayer
	Seq   uint32
	Ack   uint32
	Flags uint8
}

func (l *SegmentLayer) LayerType() gopacket.LayerType { return LayerTypeTOU }

func (l *SegmentLayer) CanDecode() gopacket.LayerClass { return LayerTypeTOU }

func (l *SegmentLayer) NextLayerType() gopacket.LayerType {
	if len(l.Payload) == 0 {
		return gopacket.LayerTypeZero
	}
	return gopacket.LayerTypePayload
}

func (l *SegmentLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderSize {
		df.SetTruncated()
		return errors.Wrapf(ErrMalformedSegment, "%d bytes", len(data))
	}
	l.Seq = binary.BigEndian.Uint32(data[seqOffset:])
	l.Ack = binary.BigEndian.Uint32(data[ackOffset:])
	l.Flags = data[flagsOffset]
	l.BaseLayer = layers.BaseLayer{Contents: data[:HeaderSize], Payload: data[HeaderSize:]}
	return nil
}

func (l *SegmentLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	hdr, err := b.PrependBytes(HeaderSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(hdr[seqOffset:], l.Seq)
	binary.BigEndian.PutUint32(hdr[ackOffset:], l.Ack)
	hdr[flagsOffset] = l.Flags
	return nil
}

// Segment rebuilds a segment from the decoded header and payload.
func (l *SegmentLayer) Segment() *Segment {
	return NewSegment(len(l.Payload)).SetSeq(l.Seq).SetAck(l.Ack).SetFlags(l.Flags).SetPayload(l.Payload)
}

func decodeTOU(data []byte, p gopacket.PacketBuilder) error {
	l := &SegmentLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	if len(l.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// DumpDatagram renders a raw datagram through gopacket for debug traces.
func DumpDatagram(datagram []byte) string {
	packet := gopacket.NewPacket(datagram, LayerTypeTOU, gopacket.NoCopy)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return fmt.Sprintf("undecodable datagram (%d bytes): %v", len(datagram), errLayer.Error())
	}
	return packet.String()
}

// SerializeSegment encodes a segment through gopacket's serialization path.
func SerializeSegment(seg *Segment) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	l := &SegmentLayer{Seq: seg.Seq(), Ack: seg.Ack(), Flags: seg.Flags()}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, l, gopacket.Payload(seg.Payload())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
