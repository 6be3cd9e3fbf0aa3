// Package app assembles the frame server and the headless bot from the
// network, synchronizer and status packages and drives their tick loops.
package app

import (
	"github.com/Enanyy/Frame/internal/dispatch"
	"github.com/Enanyy/Frame/internal/framesync"
)

// Application event ids.
const (
	EventStateChanged int32 = iota + 1
	EventFrameExecuted
	EventPeerJoined
	EventPeerLeft
	EventLinkClosed
)

// Executed is the payload of EventFrameExecuted.
type Executed struct {
	Frame    int64
	Commands []framesync.Command
}

// PeerEvent is the payload of EventPeerJoined and EventPeerLeft.
type PeerEvent struct {
	SessionID int32
	RoleID    int32
	Name      string
}

// Events fans application events out to subscribers. Events are emitted
// from the tick loop only.
type Events struct {
	reg *dispatch.Registry[struct{}]
}

// NewEvents returns an empty event bus.
func NewEvents() *Events {
	return &Events{reg: dispatch.New[struct{}]()}
}

// On subscribes fn to id. T must match the payload type emitted for id.
func On[T any](e *Events, id int32, fn func(T)) (*dispatch.Callback[struct{}, T], bool) {
	cb := dispatch.Func(func(_ struct{}, v T) { fn(v) })
	return cb, dispatch.Register(e.reg, id, cb)
}

// Off removes a subscription returned by On.
func Off[T any](e *Events, id int32, cb *dispatch.Callback[struct{}, T]) bool {
	return dispatch.Unregister(e.reg, id, cb)
}

// Emit delivers v to the subscribers of id and returns how many ran.
func (e *Events) Emit(id int32, v any) int {
	return e.reg.Dispatch(id, struct{}{}, v)
}
