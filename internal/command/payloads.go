package command

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Enanyy/Frame/internal/codec"
)

// Built-in command types. Gameplay code may register further types above
// these.
const (
	TypeSpawnEntity int32 = 1
	TypeMoveTo      int32 = 2
	TypeAction      int32 = 3
)

// SpawnEntity asks every peer to create a world entity. The server issues
// these under its synthetic role.
type SpawnEntity struct {
	EntityID  int64
	Kind      int32
	Position  codec.Vec3
	Direction codec.Vec3
}

func (p *SpawnEntity) Marshal() []byte {
	var b []byte
	b = codec.AppendInt64(b, 1, p.EntityID)
	b = codec.AppendInt32(b, 2, p.Kind)
	b = codec.AppendEmbedded(b, 3, &p.Position)
	b = codec.AppendEmbedded(b, 4, &p.Direction)
	return b
}

func (p *SpawnEntity) Unmarshal(b []byte) error {
	*p = SpawnEntity{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int64(typ, b, &p.EntityID)
		case 2:
			return codec.Int32(typ, b, &p.Kind)
		case 3:
			return codec.Embedded(typ, b, &p.Position)
		case 4:
			return codec.Embedded(typ, b, &p.Direction)
		}
		return 0, nil
	})
}

// MoveTo moves an actor toward a point.
type MoveTo struct {
	RoleID int32
	Target codec.Vec3
}

func (p *MoveTo) Marshal() []byte {
	var b []byte
	b = codec.AppendInt32(b, 1, p.RoleID)
	b = codec.AppendEmbedded(b, 2, &p.Target)
	return b
}

func (p *MoveTo) Unmarshal(b []byte) error {
	*p = MoveTo{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int32(typ, b, &p.RoleID)
		case 2:
			return codec.Embedded(typ, b, &p.Target)
		}
		return 0, nil
	})
}

// Action triggers an actor ability, optionally aimed at a point or entity.
type Action struct {
	RoleID   int32
	ActionID int32
	Target   codec.Vec3
	TargetID int64
}

func (p *Action) Marshal() []byte {
	var b []byte
	b = codec.AppendInt32(b, 1, p.RoleID)
	b = codec.AppendInt32(b, 2, p.ActionID)
	b = codec.AppendEmbedded(b, 3, &p.Target)
	b = codec.AppendInt64(b, 4, p.TargetID)
	return b
}

func (p *Action) Unmarshal(b []byte) error {
	*p = Action{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int32(typ, b, &p.RoleID)
		case 2:
			return codec.Int32(typ, b, &p.ActionID)
		case 3:
			return codec.Embedded(typ, b, &p.Target)
		case 4:
			return codec.Int64(typ, b, &p.TargetID)
		}
		return 0, nil
	})
}
