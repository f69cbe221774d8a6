// Package group implements the peer group-messaging adapter: a
// virtually-synchronous broadcast channel used to exchange the five
// PeerMessage kinds between the two COLO instances, with
// self-retransmission until self-delivery proves the group ordered the
// message.
package group

import (
	"encoding/binary"
	"fmt"
)

// MessageKind is one of the five wire messages peers exchange. It fits
// in 4 bytes on the wire.
type MessageKind uint32

const (
	Failover MessageKind = iota + 1
	Failed
	Hello
	Yellow
	Unyellow
)

func (k MessageKind) String() string {
	switch k {
	case Failover:
		return "Failover"
	case Failed:
		return "Failed"
	case Hello:
		return "Hello"
	case Yellow:
		return "Yellow"
	case Unyellow:
		return "Unyellow"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint32(k))
	}
}

// Encode serialises a MessageKind as a big-endian uint32, matching the
// original's ntohl/htonl wire convention.
func Encode(k MessageKind) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(k))
	return buf
}

// Decode parses a wire payload back into a MessageKind.
func Decode(payload []byte) (MessageKind, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("group: invalid message length %d", len(payload))
	}
	return MessageKind(binary.BigEndian.Uint32(payload)), nil
}
