package command

import (
	"errors"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/dispatch"
)

// Dispatcher routes executed commands to typed handlers keyed by command
// type. Each handler receives the command envelope and its decoded payload.
type Dispatcher struct {
	reg *dispatch.Registry[Command]
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{reg: dispatch.New[Command]()}
}

// Handle registers fn for commands of type typ. P is the payload pointer
// type, for example *MoveTo. The returned callback can be passed to Remove.
func Handle[T any, P interface {
	*T
	codec.Message
}](d *Dispatcher, typ int32, fn func(Command, P)) (*dispatch.Callback[Command, P], bool) {
	cb := dispatch.Func(fn)
	return cb, dispatch.Register(d.reg, typ, cb)
}

// Remove unregisters a callback returned by Handle.
func Remove[P codec.Message](d *Dispatcher, typ int32, cb *dispatch.Callback[Command, P]) bool {
	return dispatch.Unregister(d.reg, typ, cb)
}

// Dispatch decodes cmd's payload into the type registered for cmd.Type and
// invokes its handlers. Commands with no handler are ignored.
func (d *Dispatcher) Dispatch(cmd Command) (int, error) {
	v, ok := d.reg.Instantiate(cmd.Type)
	if !ok {
		return 0, nil
	}
	payload, ok := v.(codec.Message)
	if !ok {
		return 0, &codec.SerializationError{ID: cmd.Type, Err: errors.New("payload type does not decode")}
	}
	if err := payload.Unmarshal(cmd.Payload); err != nil {
		return 0, &codec.SerializationError{ID: cmd.Type, Err: err}
	}
	return d.reg.Dispatch(cmd.Type, cmd, payload), nil
}

// DispatchAll runs Dispatch for each command in order. Decode failures are
// collected and do not stop later commands.
func (d *Dispatcher) DispatchAll(cmds []Command) error {
	var errs []error
	for _, c := range cmds {
		if _, err := d.Dispatch(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear drops every handler.
func (d *Dispatcher) Clear() { d.reg.Clear() }
