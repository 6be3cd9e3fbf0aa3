package app

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
)

// World is the minimal simulation a peer runs: it applies executed
// commands and keeps a digest that must match on every peer.
type World struct {
	mu       sync.Mutex
	entities map[int64]codec.Vec3
	actors   map[int32]codec.Vec3
	actions  int64
	applied  int64
	digest   *xxhash.Digest
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{
		entities: make(map[int64]codec.Vec3),
		actors:   make(map[int32]codec.Vec3),
		digest:   xxhash.New(),
	}
}

// Bind registers the world's handlers for the built-in command types.
func (w *World) Bind(d *command.Dispatcher) {
	command.Handle(d, command.TypeSpawnEntity, func(c command.Command, p *command.SpawnEntity) {
		w.mu.Lock()
		w.entities[p.EntityID] = p.Position
		w.mu.Unlock()
	})
	command.Handle(d, command.TypeMoveTo, func(c command.Command, p *command.MoveTo) {
		w.mu.Lock()
		w.actors[p.RoleID] = p.Target
		w.mu.Unlock()
	})
	command.Handle(d, command.TypeAction, func(c command.Command, p *command.Action) {
		w.mu.Lock()
		w.actions++
		w.mu.Unlock()
	})
}

// Record folds an executed command into the digest.
func (w *World) Record(c command.Command) {
	var b [36]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(c.ID))
	binary.LittleEndian.PutUint64(b[8:], uint64(c.Frame))
	binary.LittleEndian.PutUint32(b[16:], uint32(c.Type))
	binary.LittleEndian.PutUint64(b[20:], uint64(c.IssuedAt))
	binary.LittleEndian.PutUint64(b[28:], uint64(len(c.Payload)))
	w.mu.Lock()
	_, _ = w.digest.Write(b[:])
	_, _ = w.digest.Write(c.Payload)
	w.applied++
	w.mu.Unlock()
}

// WorldStatus summarizes a World.
type WorldStatus struct {
	Entities int    `json:"entities"`
	Actors   int    `json:"actors"`
	Actions  int64  `json:"actions"`
	Applied  int64  `json:"applied"`
	Digest   uint64 `json:"digest"`
}

// Status returns the world's counters and digest.
func (w *World) Status() WorldStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorldStatus{
		Entities: len(w.entities),
		Actors:   len(w.actors),
		Actions:  w.actions,
		Applied:  w.applied,
		Digest:   w.digest.Sum64(),
	}
}

// Entities returns the spawned entity ids in order.
func (w *World) Entities() []int64 {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Actor returns the last target of role.
func (w *World) Actor(role int32) (codec.Vec3, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.actors[role]
	return v, ok
}
