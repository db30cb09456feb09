// Package protocol defines the wire protocol carried on a Tunnelbana tunnel.
package protocol

// MsgType identifies the kind of frame on the wire.
type MsgType uint8

// Frame type constants
const (
	MsgControl      MsgType = 0x00 // Reserved, currently unused
	MsgData         MsgType = 0x01 // Channel payload data
	MsgOpenChannel  MsgType = 0x02 // Open a channel on the remote peer
	MsgCloseChannel MsgType = 0x03 // Close a channel on the remote peer
)

// Protocol constants
const (
	// HeaderSize is the size of a frame header in bytes:
	// Type (1) + ChannelID uint16 big-endian (2) + Length uint32 big-endian (4).
	HeaderSize = 7

	// MaxChunkSize is the largest Data payload a peer emits per frame.
	// Receivers accept any length the header can express.
	MaxChunkSize = 4096
)

// String returns a human-readable name for a frame type.
func (t MsgType) String() string {
	switch t {
	case MsgControl:
		return "CONTROL"
	case MsgData:
		return "DATA"
	case MsgOpenChannel:
		return "OPEN_CHANNEL"
	case MsgCloseChannel:
		return "CLOSE_CHANNEL"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known frame type.
func (t MsgType) Valid() bool {
	return t <= MsgCloseChannel
}
