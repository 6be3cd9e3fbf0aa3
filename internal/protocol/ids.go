// Package protocol defines the control messages exchanged between the frame
// server and its clients, their wire ids and their protobuf encoding.
package protocol

import "github.com/Enanyy/Frame/internal/wire"

// ID is a message id carried in the wire header.
type ID = int32

// Message ids. Valid ids lie strictly between MessageMin and the configured
// maximum.
const (
	MessageMin ID = 0

	ConnectRequest      ID = 1
	ConnectAccept       ID = 2
	ConnectBroadcast    ID = 3
	DisconnectBroadcast ID = 4
	ReadyRequest        ID = 5
	ReadyBroadcast      ID = 6
	BeginBroadcast      ID = 7
	FrameSubmit         ID = 8
	FrameBroadcast      ID = 9

	// DefaultMessageMax is the exclusive upper bound used when none is
	// configured.
	DefaultMessageMax ID = 1000
)

// Bounds returns the valid id interval for max.
func Bounds(max int) wire.Bounds {
	if max <= 0 {
		max = int(DefaultMessageMax)
	}
	return wire.Bounds{Min: MessageMin, Max: int32(max)}
}

// Reliable reports whether id travels over the stream channel. Frame
// traffic goes over the datagram channel.
func Reliable(id ID) bool {
	return id != FrameSubmit && id != FrameBroadcast
}

// Name returns a short label for id, used in logs and metrics.
func Name(id ID) string {
	switch id {
	case ConnectRequest:
		return "connect_request"
	case ConnectAccept:
		return "connect_accept"
	case ConnectBroadcast:
		return "connect_broadcast"
	case DisconnectBroadcast:
		return "disconnect_broadcast"
	case ReadyRequest:
		return "ready_request"
	case ReadyBroadcast:
		return "ready_broadcast"
	case BeginBroadcast:
		return "begin_broadcast"
	case FrameSubmit:
		return "frame_submit"
	case FrameBroadcast:
		return "frame_broadcast"
	}
	return "unknown"
}

// Mode is the synchronization discipline agreed at connect time.
type Mode int32

const (
	ModeUnknown    Mode = 0
	ModeLockStep   Mode = 1
	ModeOptimistic Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeLockStep:
		return "lockstep"
	case ModeOptimistic:
		return "optimistic"
	}
	return "unknown"
}

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) Mode {
	switch s {
	case "lockstep":
		return ModeLockStep
	case "optimistic":
		return ModeOptimistic
	}
	return ModeUnknown
}
