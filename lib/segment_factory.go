package lib

import "net"

// SegmentFactory builds the segments of every protocol event for one
// local/remote address pair. Handshake replies are derived from the segment
// that triggered them.
type SegmentFactory struct {
	local, remote *net.UDPAddr
	isn           func() uint32
}

func NewSegmentFactory(local, remote *net.UDPAddr) *SegmentFactory {
	return &SegmentFactory{local: local, remote: remote, isn: GenerateISN}
}

func (f *SegmentFactory) route(seg *Segment) *RoutedSegment {
	return NewRoutedSegment(seg, f.local, f.remote)
}

func control(flags uint8, seq, ack uint32) *Segment {
	return NewSegment(0).SetFlags(flags).SetSeq(seq).SetAck(ack)
}

// Initiate opens a handshake: SYN with a fresh sequence number x.
func (f *SegmentFactory) Initiate() *RoutedSegment {
	return f.route(control(SYNFlag, f.isn(), 0))
}

// AcceptHandshake answers a SYN: SYN+ACK with a fresh sequence number y and ack x+1.
func (f *SegmentFactory) AcceptHandshake(syn *Segment) *RoutedSegment {
	return f.route(control(SYNFlag|ACKFlag, f.isn(), SeqIncrement(syn.Seq())))
}

// FinalizeHandshake answers a SYN+ACK: ACK with seq x+1 and ack y+1.
func (f *SegmentFactory) FinalizeHandshake(synack *Segment) *RoutedSegment {
	return f.route(control(ACKFlag, synack.Ack(), SeqIncrement(synack.Seq())))
}

// InitiateClose opens a close handshake: FIN with a fresh sequence number.
func (f *SegmentFactory) InitiateClose() *RoutedSegment {
	return f.route(control(FINFlag, f.isn(), 0))
}

// AcceptClose answers a FIN: FIN+ACK with a fresh sequence number and ack fin+1.
func (f *SegmentFactory) AcceptClose(fin *Segment) *RoutedSegment {
	return f.route(control(FINFlag|ACKFlag, f.isn(), SeqIncrement(fin.Seq())))
}

// FinalizeClose answers a FIN+ACK.
func (f *SegmentFactory) FinalizeClose(finack *Segment) *RoutedSegment {
	return f.route(control(ACKFlag, finack.Ack(), SeqIncrement(finack.Seq())))
}

// DataAck acknowledges the data segment with sequence number seq.
func (f *SegmentFactory) DataAck(seq uint32) *RoutedSegment {
	return f.route(control(ACKFlag, 0, seq))
}

// Data carries payload at sequence number seq. When hasAck is set the segment
// also acknowledges the data segment numbered ack.
func (f *SegmentFactory) Data(payload []byte, seq, ack uint32, hasAck bool) *RoutedSegment {
	seg := NewSegment(len(payload)).SetSeq(seq).SetPayload(payload)
	if hasAck {
		seg.SetFlags(ACKFlag).SetAck(ack)
	}
	return f.route(seg)
}
