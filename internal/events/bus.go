// ============================================================================
// framecore Event Bus - typed publish/subscribe
// ============================================================================
//
// Package: internal/events
// File: bus.go
// Purpose: Decouple scene mutation from the systems that react to it.
//
// Events are plain Go values keyed by their static type. Register, Deregister
// and Dispatch are package-level generic functions since methods cannot take
// type parameters:
//
//   l := &events.Listener[types.TransformChanged]{Name: "transforms", Callback: fn}
//   events.Register(bus, l)
//   events.Dispatch(bus, types.TransformChanged{Slot: 3})
//   l.Close()
//
// The bus stores a copy of each listener. The caller keeps the original,
// which carries the closure that removes the copy; owners call Close from
// their own Close so no callback outlives its component.
//
// ============================================================================

package events

import (
	"errors"
	"reflect"
	"sync"

	"github.com/ChuLiYu/framecore/internal/logging"
)

var (
	// ErrNilCallback is logged when a listener without a callback is registered.
	ErrNilCallback = errors.New("listener has no callback")
	// ErrDuplicateListener is logged when a registered listener is registered again.
	ErrDuplicateListener = errors.New("listener already registered")
)

// Observer receives dispatch notifications.
type Observer interface {
	EventDispatched(event string, listeners int)
}

// entry is the bus-held copy of a listener.
type entry struct {
	id   uint64
	name string
	fn   any // func(T)
}

// typeList is the listener list for one event type. entries is replaced, not
// mutated, so a dispatch may iterate a snapshot without holding the lock.
type typeList struct {
	name    string
	nextID  uint64
	entries []entry
}

// Bus is a typed event bus. The zero value is not usable; call NewBus.
type Bus struct {
	mu       sync.RWMutex
	lists    map[reflect.Type]*typeList
	observer Observer
}

// Option configures a Bus.
type Option func(*Bus)

// WithObserver reports every dispatch to o.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{lists: make(map[reflect.Type]*typeList)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Listener is a callback subscribed to events of type T.
type Listener[T any] struct {
	Name     string
	Callback func(T)

	id         uint64
	deregister func()
}

// ID returns the identity the bus assigned at registration, or 0.
func (l *Listener[T]) ID() uint64 { return l.id }

// Registered reports whether the listener currently has a copy in a bus.
func (l *Listener[T]) Registered() bool { return l.deregister != nil }

// Close removes the listener from the bus it was registered with. Calling it
// on an unregistered listener does nothing.
func (l *Listener[T]) Close() {
	if l == nil || l.deregister == nil {
		return
	}
	fn := l.deregister
	l.deregister = nil
	l.id = 0
	fn()
}

// Register subscribes l to events of type T. Dispatch order is registration
// order. A listener without a callback, or one that is already registered,
// is logged and left untouched.
func Register[T any](b *Bus, l *Listener[T]) {
	t := reflect.TypeFor[T]()
	log := logging.Logger()

	switch {
	case l == nil || l.Callback == nil:
		log.Error("event listener not registered", "event", t.String(), "error", ErrNilCallback)
		return
	case l.deregister != nil:
		log.Error("event listener not registered",
			"event", t.String(), "listener", l.Name, "id", l.id, "error", ErrDuplicateListener)
		return
	}

	b.mu.Lock()
	tl := b.lists[t]
	if tl == nil {
		tl = &typeList{name: t.String()}
		b.lists[t] = tl
	}
	tl.nextID++
	id := tl.nextID

	entries := make([]entry, len(tl.entries), len(tl.entries)+1)
	copy(entries, tl.entries)
	tl.entries = append(entries, entry{id: id, name: l.Name, fn: l.Callback})
	b.mu.Unlock()

	l.id = id
	l.deregister = func() { b.remove(t, id) }
	log.Debug("event listener registered", "event", t.String(), "listener", l.Name, "id", id)
}

// Deregister removes l's copy from b. Safe to call repeatedly.
func Deregister[T any](b *Bus, l *Listener[T]) {
	if l == nil || l.deregister == nil {
		return
	}
	id := l.id
	l.deregister = nil
	l.id = 0
	b.remove(reflect.TypeFor[T](), id)
}

// Dispatch invokes every listener of type T with ev, in registration order,
// on the calling goroutine. With no listeners it does nothing.
func Dispatch[T any](b *Bus, ev T) {
	t := reflect.TypeFor[T]()

	b.mu.RLock()
	tl := b.lists[t]
	var entries []entry
	if tl != nil {
		entries = tl.entries
	}
	b.mu.RUnlock()

	for _, e := range entries {
		e.fn.(func(T))(ev)
	}

	if b.observer != nil && tl != nil {
		b.observer.EventDispatched(tl.name, len(entries))
	}
}

// ListenerCount returns how many listeners are registered for T.
func ListenerCount[T any](b *Bus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if tl := b.lists[reflect.TypeFor[T]()]; tl != nil {
		return len(tl.entries)
	}
	return 0
}

// Types returns the number of listeners per event type name.
func (b *Bus) Types() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.lists))
	for _, tl := range b.lists {
		out[tl.name] = len(tl.entries)
	}
	return out
}

func (b *Bus) remove(t reflect.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tl := b.lists[t]
	if tl == nil {
		return
	}
	for i, e := range tl.entries {
		if e.id != id {
			continue
		}
		entries := make([]entry, 0, len(tl.entries)-1)
		entries = append(entries, tl.entries[:i]...)
		tl.entries = append(entries, tl.entries[i+1:]...)
		logging.Logger().Debug("event listener deregistered", "event", tl.name, "listener", e.name, "id", id)
		return
	}
}
