// Package dispatch provides a registry that fans a payload out to callbacks
// registered under a numeric id, filtered by the payload's type.
//
// One registry type backs application events, inbound protocol messages and
// simulation commands. The S parameter is the delivery context handed to
// every callback alongside the payload (the sending session for server-side
// messages, struct{} where there is none).
package dispatch

import (
	"reflect"
	"sync"
)

// Callback wraps a typed function. Its pointer is its identity: registering
// the same *Callback twice for one id is refused, while two Callbacks built
// from the same function are distinct.
type Callback[S, T any] struct {
	fn func(S, T)
}

// Func wraps fn as a Callback.
func Func[S, T any](fn func(S, T)) *Callback[S, T] {
	return &Callback[S, T]{fn: fn}
}

func (c *Callback[S, T]) invoke(src S, payload any) bool {
	v, ok := payload.(T)
	if !ok {
		return false
	}
	c.fn(src, v)
	return true
}

type handler[S any] interface {
	invoke(src S, payload any) bool
}

type entry[S any] struct {
	typ      reflect.Type
	handlers []handler[S]
}

// Registry maps ids to an ordered list of typed callbacks. It is safe for
// concurrent use; callbacks run without the registry lock held.
type Registry[S any] struct {
	mu      sync.RWMutex
	entries map[int32]*entry[S]
}

// New returns an empty Registry.
func New[S any]() *Registry[S] {
	return &Registry[S]{entries: make(map[int32]*entry[S])}
}

// Register adds cb under id. It returns false when cb is already registered
// for id, or when id is bound to a different payload type.
func Register[S, T any](r *Registry[S], id int32, cb *Callback[S, T]) bool {
	if cb == nil || cb.fn == nil {
		return false
	}
	typ := reflect.TypeFor[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry[S]{typ: typ}
		r.entries[id] = e
	}
	if e.typ != typ {
		return false
	}
	for _, h := range e.handlers {
		if h == handler[S](cb) {
			return false
		}
	}
	e.handlers = append(e.handlers, cb)
	return true
}

// Unregister removes cb from id and reports whether it was present. An id
// left without callbacks forgets its payload type.
func Unregister[S, T any](r *Registry[S], id int32, cb *Callback[S, T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	for i, h := range e.handlers {
		if h == handler[S](cb) {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			if len(e.handlers) == 0 {
				delete(r.entries, id)
			}
			return true
		}
	}
	return false
}

// Dispatch invokes, in registration order, every callback for id whose
// payload type matches payload. Callbacks of another type are skipped. It
// returns the number of callbacks invoked.
func (r *Registry[S]) Dispatch(id int32, src S, payload any) int {
	r.mu.RLock()
	e, ok := r.entries[id]
	var hs []handler[S]
	if ok {
		hs = append(hs, e.handlers...)
	}
	r.mu.RUnlock()
	n := 0
	for _, h := range hs {
		if h.invoke(src, payload) {
			n++
		}
	}
	return n
}

// TypeOf returns the payload type bound to id.
func (r *Registry[S]) TypeOf(id int32) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.typ, true
	}
	return nil, false
}

// Len returns the number of callbacks registered for id.
func (r *Registry[S]) Len(id int32) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return len(e.handlers)
	}
	return 0
}

// Clear removes every registration.
func (r *Registry[S]) Clear() {
	r.mu.Lock()
	r.entries = make(map[int32]*entry[S])
	r.mu.Unlock()
}

// Instantiate returns a new zero value of the payload type bound to id. For
// a pointer type such as *T it returns a fresh *T, ready to be decoded into.
func (r *Registry[S]) Instantiate(id int32) (any, bool) {
	typ, ok := r.TypeOf(id)
	if !ok {
		return nil, false
	}
	if typ.Kind() == reflect.Pointer {
		return reflect.New(typ.Elem()).Interface(), true
	}
	return reflect.New(typ).Elem().Interface(), true
}
