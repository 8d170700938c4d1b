// Package renderstate keeps the per-frame GPU-side copies of object state
// (transforms, materials, instance data) consistent with the CPU-side
// changes announced on the event bus.
//
// Each Store owns one replica.Queue and the bus listeners that drive it:
//
//	change event        -> EnqueueMutation(slot, value)
//	ObjectDestroyed     -> RemovePendingForSlot(slot)
//	FrameStart{F, R}    -> SetGeneration(F), OnReplicaBoundary(R),
//	                       AdvanceGeneration()
//
// Mutations dispatched after FrameStart{F} belong to frame F+1, so they are
// stamped F+1 and reach a shadow replica only at a later frame.
package renderstate

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/framecore/internal/events"
	"github.com/ChuLiYu/framecore/internal/logging"
	"github.com/ChuLiYu/framecore/internal/replica"
	"github.com/ChuLiYu/framecore/pkg/types"
)

// Store names.
const (
	TransformStore = "transforms"
	MaterialStore  = "materials"
	InstanceStore  = "instances"
)

// Options configures a Store.
type Options struct {
	Replicas int // frames in flight
	Slots    int // initial slot capacity; buffers grow past it on demand
	Observer replica.Observer
}

// Store is a replicated array of T indexed by object slot.
type Store[T any] struct {
	name    string
	queue   *replica.Queue[T]
	buffers *replica.Buffers[T]

	mu      sync.Mutex
	last    replica.BoundaryResult
	closers []func()
}

// NewTransformStore tracks TransformChanged events. It also converges the
// previous-frame replicas, which motion vectors read.
func NewTransformStore(bus *events.Bus, opts Options) (*Store[types.Mat4], error) {
	return newStore(bus, TransformStore, opts, true, func(ev types.TransformChanged) (int, types.Mat4) {
		return ev.Slot, ev.Transform
	})
}

// NewMaterialStore tracks MaterialChanged events.
func NewMaterialStore(bus *events.Bus, opts Options) (*Store[types.MaterialParams], error) {
	return newStore(bus, MaterialStore, opts, false, func(ev types.MaterialChanged) (int, types.MaterialParams) {
		return ev.Slot, ev.Params
	})
}

// NewInstanceStore tracks InstanceChanged events.
func NewInstanceStore(bus *events.Bus, opts Options) (*Store[types.InstanceData], error) {
	return newStore(bus, InstanceStore, opts, false, func(ev types.InstanceChanged) (int, types.InstanceData) {
		return ev.Slot, ev.Data
	})
}

func newStore[T, E any](bus *events.Bus, name string, opts Options, shadow bool, extract func(E) (int, T)) (*Store[T], error) {
	buffers := replica.NewBuffers[T](opts.Replicas, opts.Slots)
	q, err := replica.New[T](buffers, replica.Options{
		Replicas: opts.Replicas,
		Shadow:   shadow,
		Name:     name,
		Observer: opts.Observer,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s store: %w", name, err)
	}

	s := &Store[T]{name: name, queue: q, buffers: buffers}

	changed := &events.Listener[E]{
		Name: name + ".changed",
		Callback: func(ev E) {
			slot, v := extract(ev)
			q.EnqueueMutation(slot, v)
		},
	}
	destroyed := &events.Listener[types.ObjectDestroyed]{
		Name:     name + ".destroyed",
		Callback: func(ev types.ObjectDestroyed) { q.RemovePendingForSlot(ev.Slot) },
	}
	frameStart := &events.Listener[types.FrameStart]{
		Name:     name + ".frame_start",
		Callback: s.onFrameStart,
	}

	events.Register(bus, changed)
	events.Register(bus, destroyed)
	events.Register(bus, frameStart)
	s.closers = []func(){changed.Close, destroyed.Close, frameStart.Close}

	logging.Logger().Debug("render state store created",
		"store", name, "replicas", opts.Replicas, "slots", opts.Slots, "shadow", shadow)
	return s, nil
}

func (s *Store[T]) onFrameStart(ev types.FrameStart) {
	s.queue.SetGeneration(ev.Frame)
	res := s.queue.OnReplicaBoundary(ev.Replica)
	s.queue.AdvanceGeneration()

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
}

// Name returns the store name.
func (s *Store[T]) Name() string { return s.name }

// Queue returns the store's update queue.
func (s *Store[T]) Queue() *replica.Queue[T] { return s.queue }

// Buffers returns the store's replicas.
func (s *Store[T]) Buffers() *replica.Buffers[T] { return s.buffers }

// Pending returns the number of mutations not yet in every replica.
func (s *Store[T]) Pending() int { return s.queue.Pending() }

// LastBoundary returns the result of the most recent frame boundary.
func (s *Store[T]) LastBoundary() replica.BoundaryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Close deregisters the store's listeners. Safe to call more than once.
func (s *Store[T]) Close() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, c := range closers {
		c()
	}
}
