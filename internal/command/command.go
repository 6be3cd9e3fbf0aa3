// Package command models the simulation instructions scheduled by the frame
// synchronizer: opaque typed payloads stamped with a frame number and time.
package command

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Enanyy/Frame/internal/codec"
)

// Command is one simulation instruction.
type Command struct {
	ID       int64
	Frame    int64
	Type     int32
	Payload  []byte
	IssuedAt int64 // milliseconds of frame time
}

// NewID returns a positive id derived from a random UUID.
func NewID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) &^ (1 << 63))
}

// New builds an unstamped command carrying payload.
func New(typ int32, payload codec.Message) Command {
	var body []byte
	if payload != nil {
		body = payload.Marshal()
	}
	return Command{ID: NewID(), Type: typ, Payload: body}
}

// Stamp assigns the frame and time the command is scheduled for.
func (c *Command) Stamp(frame, issuedAt int64) {
	c.Frame = frame
	c.IssuedAt = issuedAt
}

// Compare orders commands by frame, issue time, type, payload bytes and
// finally id, so that any two distinct commands compare unequal.
func Compare(a, b Command) int {
	if c := cmp.Compare(a.Frame, b.Frame); c != 0 {
		return c
	}
	if c := cmp.Compare(a.IssuedAt, b.IssuedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Payload, b.Payload); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Sort orders cmds in place with Compare.
func Sort(cmds []Command) {
	slices.SortStableFunc(cmds, Compare)
}

// Marshal implements codec.Message.
func (c *Command) Marshal() []byte {
	var b []byte
	b = codec.AppendInt64(b, 1, c.ID)
	b = codec.AppendInt64(b, 2, c.Frame)
	b = codec.AppendInt32(b, 3, c.Type)
	b = codec.AppendBytes(b, 4, c.Payload)
	b = codec.AppendInt64(b, 5, c.IssuedAt)
	return b
}

// Unmarshal implements codec.Message.
func (c *Command) Unmarshal(b []byte) error {
	*c = Command{}
	return codec.Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return codec.Int64(typ, b, &c.ID)
		case 2:
			return codec.Int64(typ, b, &c.Frame)
		case 3:
			return codec.Int32(typ, b, &c.Type)
		case 4:
			v, n, err := codec.Bytes(typ, b)
			if err == nil && len(v) > 0 {
				c.Payload = bytes.Clone(v)
			}
			return n, err
		case 5:
			return codec.Int64(typ, b, &c.IssuedAt)
		}
		return 0, nil
	})
}
