package lib

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"net"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

func SeqIncrement(seq uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(1))
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(seqnum.Size(inc)))
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	return seqnum.Value(seq2).LessThan(seqnum.Value(seq1))
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isGreater(seq1, seq2) || (seq1 == seq2)
}

func isLess(seq1, seq2 uint32) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

// GenerateISN returns an unpredictable initial sequence number.
func GenerateISN() uint32 {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return mrand.Uint32()
	}
	return isn
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// addrKey normalises a UDP address so that it can be used as a registry key.
func addrKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return (&net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}).String()
}
