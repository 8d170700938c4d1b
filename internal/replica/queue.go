// ============================================================================
// framecore Replicated Update Queue
// ============================================================================
//
// Package: internal/replica
// File: queue.go
// Purpose: Carry every CPU-side mutation into each of N per-frame replicas
//          exactly once, and only when that replica's frame begins.
//
// Record layout:
//
//   written mask (2N bits)
//   ┌──────────────────┬──────────────────┐
//   │ shadow N-1 .. 0  │ current N-1 .. 0 │
//   └──────────────────┴──────────────────┘
//
//   - bit r:     replica r's current buffer holds the value
//   - bit N + r: replica r's previous-frame (shadow) buffer holds the value
//
// At the boundary of replica r every pending record gets bit r. It gets bit
// N + r only once the queue generation is past the record's origin, so a
// shadow buffer never receives a value from the frame it describes. A record
// whose mask is full is dropped from the slice during the same pass.
//
// A Queue is driven by one producer (EnqueueMutation) and one boundary
// caller at a time; the mutex only makes inspection from other goroutines
// safe.
//
// ============================================================================

package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/framecore/internal/logging"
)

// MaxReplicas is the largest replica count whose 2N-bit mask fits a uint64.
const MaxReplicas = 32

var (
	// ErrInvalidReplicaCount is returned by New for N outside 1..MaxReplicas.
	ErrInvalidReplicaCount = errors.New("invalid replica count")
	// ErrNilTarget is returned by New without a target.
	ErrNilTarget = errors.New("nil replica target")
	// ErrTargetTooSmall is returned by New for a target holding fewer
	// replicas than the queue converges.
	ErrTargetTooSmall = errors.New("replica target has too few replicas")
)

// Observer receives queue activity notifications.
type Observer interface {
	MutationEnqueued(queue string)
	BoundaryProcessed(queue string, writes, shadowWrites, retired, pending int)
}

// Options configures a Queue.
type Options struct {
	Replicas int    // N, 1..MaxReplicas
	Shadow   bool   // also converge the previous-frame replicas
	Name     string // used in logs and metrics
	Observer Observer
}

// BoundaryResult summarises one OnReplicaBoundary call.
type BoundaryResult struct {
	Writes       int `json:"writes"`
	ShadowWrites int `json:"shadow_writes"`
	Retired      int `json:"retired"`
	Pending      int `json:"pending"`
}

// RecordInfo is an inspection copy of a pending record.
type RecordInfo[T any] struct {
	Slot   int
	Value  T
	Mask   uint64
	Origin uint64
}

type record[T any] struct {
	slot   int
	value  T
	mask   uint64
	origin uint64
}

// Queue holds the mutations of type T that have not reached every replica.
type Queue[T any] struct {
	mu         sync.Mutex
	target     Target[T]
	opts       Options
	full       uint64
	generation uint64
	records    []record[T]
}

// New creates a queue writing into target.
func New[T any](target Target[T], opts Options) (*Queue[T], error) {
	if opts.Replicas < 1 || opts.Replicas > MaxReplicas {
		return nil, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidReplicaCount, opts.Replicas, MaxReplicas)
	}
	if target == nil {
		return nil, ErrNilTarget
	}
	// Targets that report their size are checked; others must hold N replicas.
	if sized, ok := target.(interface{ Replicas() int }); ok && sized.Replicas() < opts.Replicas {
		return nil, fmt.Errorf("%w: target has %d, queue needs %d", ErrTargetTooSmall, sized.Replicas(), opts.Replicas)
	}

	low := uint64(1)<<opts.Replicas - 1
	full := low
	if opts.Shadow {
		full |= low << opts.Replicas
	}

	return &Queue[T]{target: target, opts: opts, full: full}, nil
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.opts.Name }

// Replicas returns N.
func (q *Queue[T]) Replicas() int { return q.opts.Replicas }

// FullMask returns the mask value at which a record is retired.
func (q *Queue[T]) FullMask() uint64 { return q.full }

// EnqueueMutation appends a pending write of v to slot, stamped with the
// current generation. A negative slot is logged and dropped.
func (q *Queue[T]) EnqueueMutation(slot int, v T) {
	if slot < 0 {
		logging.Logger().Error("mutation for negative slot dropped", "queue", q.opts.Name, "slot", slot)
		return
	}

	q.mu.Lock()
	q.records = append(q.records, record[T]{slot: slot, value: v, origin: q.generation})
	q.mu.Unlock()

	if q.opts.Observer != nil {
		q.opts.Observer.MutationEnqueued(q.opts.Name)
	}
}

// OnReplicaBoundary applies every pending record that replica has not yet
// received, in enqueue order, and retires the records that have now reached
// every replica. Call it once per frame for the replica about to be consumed.
func (q *Queue[T]) OnReplicaBoundary(replica int) BoundaryResult {
	n := q.opts.Replicas
	if replica < 0 || replica >= n {
		logging.Logger().Error("replica boundary out of range",
			"queue", q.opts.Name, "replica", replica, "replicas", n)
		return BoundaryResult{Pending: q.Pending()}
	}

	curBit := uint64(1) << replica
	shadowBit := uint64(1) << (replica + n)

	q.mu.Lock()
	var res BoundaryResult
	kept := q.records[:0]
	for i := range q.records {
		r := q.records[i]
		if r.mask&curBit == 0 {
			q.target.Write(replica, r.slot, r.value)
			r.mask |= curBit
			res.Writes++
		}
		if q.opts.Shadow && r.mask&shadowBit == 0 && q.generation > r.origin {
			q.target.WriteShadow(replica, r.slot, r.value)
			r.mask |= shadowBit
			res.ShadowWrites++
		}
		if r.mask == q.full {
			res.Retired++
			continue
		}
		kept = append(kept, r)
	}
	clear(q.records[len(kept):])
	q.records = kept
	res.Pending = len(kept)
	q.mu.Unlock()

	if q.opts.Observer != nil {
		q.opts.Observer.BoundaryProcessed(q.opts.Name, res.Writes, res.ShadowWrites, res.Retired, res.Pending)
	}
	return res
}

// AdvanceGeneration moves the logical frame counter forward by one.
func (q *Queue[T]) AdvanceGeneration() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.generation++
	return q.generation
}

// SetGeneration sets the logical frame counter. Generations only move
// forward; a lower value is logged and ignored.
func (q *Queue[T]) SetGeneration(g uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g < q.generation {
		logging.Logger().Error("replica generation moved backwards",
			"queue", q.opts.Name, "generation", q.generation, "requested", g)
		return
	}
	q.generation = g
}

// Generation returns the logical frame counter.
func (q *Queue[T]) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// RemovePendingForSlot drops every pending record for slot and returns how
// many were dropped. Producers call it when the object owning slot is
// destroyed so no stale write lands in the slot after it is reused.
func (q *Queue[T]) RemovePendingForSlot(slot int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.records[:0]
	for _, r := range q.records {
		if r.slot != slot {
			kept = append(kept, r)
		}
	}
	removed := len(q.records) - len(kept)
	clear(q.records[len(kept):])
	q.records = kept

	if removed > 0 {
		logging.Logger().Debug("dropped pending writes for slot",
			"queue", q.opts.Name, "slot", slot, "removed", removed)
	}
	return removed
}

// Pending returns the number of records not yet retired.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// PendingForSlot returns the number of pending records targeting slot.
func (q *Queue[T]) PendingForSlot(slot int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, r := range q.records {
		if r.slot == slot {
			n++
		}
	}
	return n
}

// Records returns a copy of the pending records in enqueue order.
func (q *Queue[T]) Records() []RecordInfo[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RecordInfo[T], len(q.records))
	for i, r := range q.records {
		out[i] = RecordInfo[T]{Slot: r.slot, Value: r.value, Mask: r.mask, Origin: r.origin}
	}
	return out
}
