package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
)

// Connect is used for connect-request (Name), connect-accept (the
// newcomer's role, the frame interval and mode) and connect-broadcast (one
// other player).
type Connect struct {
	RoleID        int32
	Name          string
	FrameInterval int64 // milliseconds
	Mode          Mode
	Position      codec.Vec3
	Direction     codec.Vec3
	Ready         bool
}

func (m *Connect) Marshal() []byte {
	var b []byte
	b = codec.AppendInt32(b, 1, m.RoleID)
	b = codec.AppendString(b, 2, m.Name)
	b = codec.AppendInt64(b, 3, m.FrameInterval)
	b = codec.AppendInt32(b, 4, int32(m.Mode))
	b = codec.AppendEmbedded(b, 5, &m.Position)
	b = codec.AppendEmbedded(b, 6, &m.Direction)
	b = codec.AppendBool(b, 7, m.Ready)
	return b
}

func (m *Connect) Unmarshal(b []byte) error {
	*m = Connect{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int32(typ, b, &m.RoleID)
		case 2:
			return codec.String(typ, b, &m.Name)
		case 3:
			return codec.Int64(typ, b, &m.FrameInterval)
		case 4:
			return codec.Int32(typ, b, (*int32)(&m.Mode))
		case 5:
			return codec.Embedded(typ, b, &m.Position)
		case 6:
			return codec.Embedded(typ, b, &m.Direction)
		case 7:
			return codec.Bool(typ, b, &m.Ready)
		}
		return 0, nil
	})
}

// Disconnect announces that a player left.
type Disconnect struct {
	RoleID int32
}

func (m *Disconnect) Marshal() []byte {
	return codec.AppendInt32(nil, 1, m.RoleID)
}

func (m *Disconnect) Unmarshal(b []byte) error {
	*m = Disconnect{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return codec.Int32(typ, b, &m.RoleID)
		}
		return 0, nil
	})
}

// Ready is a readiness signal. The broadcast form also carries the live
// counts so clients can show progress.
type Ready struct {
	RoleID     int32
	Position   codec.Vec3
	Direction  codec.Vec3
	ReadyCount int32
	PeerCount  int32
}

func (m *Ready) Marshal() []byte {
	var b []byte
	b = codec.AppendInt32(b, 1, m.RoleID)
	b = codec.AppendEmbedded(b, 2, &m.Position)
	b = codec.AppendEmbedded(b, 3, &m.Direction)
	b = codec.AppendInt32(b, 4, m.ReadyCount)
	b = codec.AppendInt32(b, 5, m.PeerCount)
	return b
}

func (m *Ready) Unmarshal(b []byte) error {
	*m = Ready{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int32(typ, b, &m.RoleID)
		case 2:
			return codec.Embedded(typ, b, &m.Position)
		case 3:
			return codec.Embedded(typ, b, &m.Direction)
		case 4:
			return codec.Int32(typ, b, &m.ReadyCount)
		case 5:
			return codec.Int32(typ, b, &m.PeerCount)
		}
		return 0, nil
	})
}

// Begin starts the frame loop at Frame. Peers that ready after the room
// began receive the frame in progress.
type Begin struct {
	Frame     int64
	FrameTime int64
}

func (m *Begin) Marshal() []byte {
	var b []byte
	b = codec.AppendInt64(b, 1, m.Frame)
	b = codec.AppendInt64(b, 2, m.FrameTime)
	return b
}

func (m *Begin) Unmarshal(b []byte) error {
	*m = Begin{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int64(typ, b, &m.Frame)
		case 2:
			return codec.Int64(typ, b, &m.FrameTime)
		}
		return 0, nil
	})
}

// Frame carries one frame's commands: a client's submission or the
// server's ordered broadcast.
type Frame struct {
	RoleID    int32
	Frame     int64
	FrameTime int64
	Commands  []command.Command
	Position  codec.Vec3
	Direction codec.Vec3
}

func (m *Frame) Marshal() []byte {
	var b []byte
	b = codec.AppendInt32(b, 1, m.RoleID)
	b = codec.AppendInt64(b, 2, m.Frame)
	b = codec.AppendInt64(b, 3, m.FrameTime)
	for i := range m.Commands {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Commands[i].Marshal())
	}
	b = codec.AppendEmbedded(b, 5, &m.Position)
	b = codec.AppendEmbedded(b, 6, &m.Direction)
	return b
}

func (m *Frame) Unmarshal(b []byte) error {
	*m = Frame{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int32(typ, b, &m.RoleID)
		case 2:
			return codec.Int64(typ, b, &m.Frame)
		case 3:
			return codec.Int64(typ, b, &m.FrameTime)
		case 4:
			var c command.Command
			n, err := codec.Embedded(typ, b, &c)
			if err == nil {
				m.Commands = append(m.Commands, c)
			}
			return n, err
		case 5:
			return codec.Embedded(typ, b, &m.Position)
		case 6:
			return codec.Embedded(typ, b, &m.Direction)
		}
		return 0, nil
	})
}
