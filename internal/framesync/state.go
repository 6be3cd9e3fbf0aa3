// Package framesync turns commands submitted by peers into an identical,
// deterministically ordered sequence of frames on every peer. It supports
// a barrier discipline (lockstep) and a fixed-tick one (optimistic), on
// both the server and the client side.
package framesync

// State is the room lifecycle shared by server and client.
type State int

const (
	Idle State = iota
	AwaitingReady
	AllReady
	Ticking
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReady:
		return "awaiting_ready"
	case AllReady:
		return "all_ready"
	case Ticking:
		return "ticking"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// ServerRoleID is the synthetic peer the server submits its own commands
// under. It contributes to every frame.
const ServerRoleID int32 = 0

// FirstRoleID is the role assigned to the first connecting player.
const FirstRoleID int32 = 100

// FirstEntityID is the first id used for server-spawned entities.
const FirstEntityID int64 = 100000

// ExecutedFunc receives each released frame with its ordered commands.
type ExecutedFunc func(frame int64, cmds []Command)
