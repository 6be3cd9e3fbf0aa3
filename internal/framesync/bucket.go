package framesync

import (
	"slices"

	"github.com/Enanyy/Frame/internal/command"
)

// Command is the unit scheduled into frames.
type Command = command.Command

// Bucket collects every command accepted for one frame, keyed by the role
// that contributed it.
type Bucket struct {
	Frame   int64
	perPeer map[int32][]Command
}

// NewBucket returns the bucket for frame with the server's entry present.
func NewBucket(frame int64) *Bucket {
	return &Bucket{Frame: frame, perPeer: map[int32][]Command{ServerRoleID: nil}}
}

// Has reports whether role has contributed.
func (b *Bucket) Has(role int32) bool {
	_, ok := b.perPeer[role]
	return ok
}

// Set records role's submission, which may be empty.
func (b *Bucket) Set(role int32, cmds []Command) {
	b.perPeer[role] = append(b.perPeer[role], cmds...)
	if b.perPeer[role] == nil {
		b.perPeer[role] = []Command{}
	}
}

// Add appends commands to role's entry, creating it if needed.
func (b *Bucket) Add(role int32, cmds ...Command) {
	b.Set(role, cmds)
}

// Contributors returns the number of roles with an entry.
func (b *Bucket) Contributors() int { return len(b.perPeer) }

// Complete reports whether every role in roles has an entry.
func (b *Bucket) Complete(roles []int32) bool {
	for _, r := range roles {
		if !b.Has(r) {
			return false
		}
	}
	return true
}

// Missing returns the roles in roles without an entry.
func (b *Bucket) Missing(roles []int32) []int32 {
	var out []int32
	for _, r := range roles {
		if !b.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Ordered returns all commands sorted with command.Compare. The result
// depends only on the bucket's contents, never on arrival order.
func (b *Bucket) Ordered() []Command {
	n := 0
	for _, cmds := range b.perPeer {
		n += len(cmds)
	}
	out := make([]Command, 0, n)
	for _, cmds := range b.perPeer {
		out = append(out, cmds...)
	}
	slices.SortFunc(out, command.Compare)
	return out
}
