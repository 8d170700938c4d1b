package replica

import "sync"

// Target receives the writes a Queue applies at replica boundaries.
type Target[T any] interface {
	// Write stores v into the current buffer of replica at slot.
	Write(replica, slot int, v T)
	// WriteShadow stores v into the previous-frame buffer of replica at slot.
	WriteShadow(replica, slot int, v T)
}

// Buffers is an in-memory Target: N current and N shadow replicas of a slot
// array, grown on demand. Reads and writes may come from different
// goroutines.
type Buffers[T any] struct {
	mu      sync.RWMutex
	current [][]T
	shadow  [][]T
}

// NewBuffers allocates replicas current and shadow arrays with room for
// slots entries each.
func NewBuffers[T any](replicas, slots int) *Buffers[T] {
	replicas, slots = max(replicas, 0), max(slots, 0)
	b := &Buffers[T]{
		current: make([][]T, replicas),
		shadow:  make([][]T, replicas),
	}
	for r := 0; r < replicas; r++ {
		b.current[r] = make([]T, slots)
		b.shadow[r] = make([]T, slots)
	}
	return b
}

// Write implements Target.
func (b *Buffers[T]) Write(replica, slot int, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current[replica] = put(b.current[replica], slot, v)
}

// WriteShadow implements Target.
func (b *Buffers[T]) WriteShadow(replica, slot int, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadow[replica] = put(b.shadow[replica], slot, v)
}

// At returns the current value of slot in replica, or the zero value.
func (b *Buffers[T]) At(replica, slot int) T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return get(b.current, replica, slot)
}

// ShadowAt returns the previous-frame value of slot in replica, or the zero value.
func (b *Buffers[T]) ShadowAt(replica, slot int) T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return get(b.shadow, replica, slot)
}

// Current returns a copy of replica's current buffer.
func (b *Buffers[T]) Current(replica int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]T(nil), b.current[replica]...)
}

// Shadow returns a copy of replica's previous-frame buffer.
func (b *Buffers[T]) Shadow(replica int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]T(nil), b.shadow[replica]...)
}

// Replicas returns the number of replicas.
func (b *Buffers[T]) Replicas() int { return len(b.current) }

func put[T any](buf []T, slot int, v T) []T {
	if slot >= len(buf) {
		grown := make([]T, max(slot+1, 2*len(buf)))
		copy(grown, buf)
		buf = grown
	}
	buf[slot] = v
	return buf
}

func get[T any](bufs [][]T, replica, slot int) T {
	var zero T
	if replica < 0 || replica >= len(bufs) || slot < 0 || slot >= len(bufs[replica]) {
		return zero
	}
	return bufs[replica][slot]
}
