package lib

// Flag constants
const (
	ACKFlag uint8 = 1 << 7
	SYNFlag uint8 = 1 << 6
	FINFlag uint8 = 1 << 5
)

const (
	seqOffset   = 0
	ackOffset   = 4
	flagsOffset = 8

	HeaderSize = flagsOffset + 1 // seq(4) + ack(4) + flags(1)

	// 65,535 - 8 byte UDP header - 20 byte IP header
	MaxDatagramSize = 65507
)

// SegmentType is the logical kind of a segment derived from its flag bits.
type SegmentType int

const (
	TypeOrdinary SegmentType = iota
	TypeACK
	TypeSYN
	TypeSYNACK
	TypeFIN
	TypeFINACK
)

var segmentTypeNames = [...]string{"ORDINARY", "ACK", "SYN", "SYNACK", "FIN", "FINACK"}

func (t SegmentType) String() string {
	if t < 0 || int(t) >= len(segmentTypeNames) {
		return "UNKNOWN"
	}
	return segmentTypeNames[t]
}

// Flags returns the flag bits that identify the type.
func (t SegmentType) Flags() uint8 {
	switch t {
	case TypeACK:
		return ACKFlag
	case TypeSYN:
		return SYNFlag
	case TypeSYNACK:
		return SYNFlag | ACKFlag
	case TypeFIN:
		return FINFlag
	case TypeFINACK:
		return FINFlag | ACKFlag
	}
	return 0
}

// Role of a socket
type Role int

const (
	RoleActive Role = iota
	RoleListener
)

// SocketState is the connection state machine position.
type SocketState int

const (
	StateUnbound SocketState = iota
	StateBound
	StateListening
	StateHandshaking
	StateEstablished
	StateActiveClose
	StatePassiveClose
	StateClosed
)

var socketStateNames = [...]string{"UNBOUND", "BOUND", "LISTENING", "HANDSHAKING", "ESTABLISHED", "ACTIVE_CLOSE", "PASSIVE_CLOSE", "CLOSED"}

func (s SocketState) String() string {
	if s < 0 || int(s) >= len(socketStateNames) {
		return "UNKNOWN"
	}
	return socketStateNames[s]
}
