package protocol

import (
	"errors"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/dispatch"
	"github.com/Enanyy/Frame/internal/wire"
)

// Dispatcher decodes inbound frames into the message type registered for
// their id and fans them out. S is the delivery context, typically the
// sending session on the server.
type Dispatcher[S any] struct {
	reg *dispatch.Registry[S]
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher[S any]() *Dispatcher[S] {
	return &Dispatcher[S]{reg: dispatch.New[S]()}
}

// Handle registers fn for id. P is the message pointer type, e.g. *Ready.
func Handle[S, T any, P interface {
	*T
	codec.Message
}](d *Dispatcher[S], id ID, fn func(S, P)) (*dispatch.Callback[S, P], bool) {
	cb := dispatch.Func(fn)
	return cb, dispatch.Register(d.reg, id, cb)
}

// Remove unregisters a callback returned by Handle.
func Remove[S any, P codec.Message](d *Dispatcher[S], id ID, cb *dispatch.Callback[S, P]) bool {
	return dispatch.Unregister(d.reg, id, cb)
}

// Dispatch decodes f and invokes the handlers for its id. Frames without a
// handler are ignored. A body that does not decode yields a
// *codec.SerializationError and no handler runs.
func (d *Dispatcher[S]) Dispatch(src S, f wire.Frame) (int, error) {
	v, ok := d.reg.Instantiate(f.MessageID)
	if !ok {
		return 0, nil
	}
	m, ok := v.(codec.Message)
	if !ok {
		return 0, &codec.SerializationError{ID: f.MessageID, Err: errors.New("message type does not decode")}
	}
	if err := m.Unmarshal(f.Body); err != nil {
		return 0, &codec.SerializationError{ID: f.MessageID, Err: err}
	}
	return d.reg.Dispatch(f.MessageID, src, m), nil
}

// Clear drops every handler.
func (d *Dispatcher[S]) Clear() { d.reg.Clear() }

// Encode serializes m into a frame for id.
func Encode(bounds wire.Bounds, id ID, correlationID int32, m codec.Message) (wire.Frame, error) {
	return wire.Encode(bounds, id, correlationID, m.Marshal())
}
