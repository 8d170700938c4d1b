package events

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framecore/internal/logging"
)

type moved struct{ slot int }
type destroyed struct{ slot int }

// captureLogs routes the process logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { logging.SetLogger(prev) })
	return &buf
}

func TestDispatchOrder(t *testing.T) {
	b := NewBus()

	var log []string
	for _, name := range []string{"L1", "L2", "L3"} {
		l := &Listener[moved]{Name: name, Callback: func(moved) { log = append(log, name) }}
		Register(b, l)
		t.Cleanup(l.Close)
	}

	Dispatch(b, moved{slot: 1})
	Dispatch(b, moved{slot: 2})

	assert.Equal(t, []string{"L1", "L2", "L3", "L1", "L2", "L3"}, log)
}

func TestClosedListenerIsNotInvoked(t *testing.T) {
	const n = 5
	b := NewBus()

	calls := make([]int, n)
	listeners := make([]*Listener[moved], n)
	for i := range listeners {
		listeners[i] = &Listener[moved]{Callback: func(moved) { calls[i]++ }}
		Register(b, listeners[i])
	}

	listeners[2].Close()
	assert.False(t, listeners[2].Registered())
	Dispatch(b, moved{})

	assert.Equal(t, []int{1, 1, 0, 1, 1}, calls)
	assert.Equal(t, n-1, ListenerCount[moved](b))
}

func TestRegisterNilCallback(t *testing.T) {
	logs := captureLogs(t)
	b := NewBus()

	l := &Listener[moved]{Name: "empty"}
	Register(b, l)
	Register[moved](b, nil)

	assert.False(t, l.Registered())
	assert.Equal(t, uint64(0), l.ID())
	assert.Equal(t, 0, ListenerCount[moved](b))
	assert.Contains(t, logs.String(), ErrNilCallback.Error())
}

func TestRegisterTwiceIsNoOp(t *testing.T) {
	logs := captureLogs(t)
	b := NewBus()

	calls := 0
	l := &Listener[moved]{Name: "once", Callback: func(moved) { calls++ }}
	Register(b, l)
	id := l.ID()
	Register(b, l)

	Dispatch(b, moved{})
	assert.Equal(t, 1, calls)
	assert.Equal(t, id, l.ID())
	assert.Contains(t, logs.String(), ErrDuplicateListener.Error())
}

func TestCloseAndDeregisterAreIdempotent(t *testing.T) {
	b := NewBus()

	l := &Listener[moved]{Callback: func(moved) {}}
	Register(b, l)
	require.True(t, l.Registered())

	l.Close()
	l.Close()
	Deregister(b, l)
	assert.Equal(t, 0, ListenerCount[moved](b))

	// A closed listener may be registered again.
	Register(b, l)
	assert.True(t, l.Registered())
	assert.Equal(t, 1, ListenerCount[moved](b))
	Deregister(b, l)
	assert.False(t, l.Registered())
	assert.Equal(t, 0, ListenerCount[moved](b))
}

func TestStoredCopyIsIndependent(t *testing.T) {
	b := NewBus()

	var got []string
	l := &Listener[moved]{Callback: func(moved) { got = append(got, "original") }}
	Register(b, l)

	// Changing the caller's listener does not change what the bus invokes.
	l.Callback = func(moved) { got = append(got, "replaced") }
	Dispatch(b, moved{})

	assert.Equal(t, []string{"original"}, got)
}

func TestTypesAreIndependent(t *testing.T) {
	b := NewBus()

	var movedCalls, destroyedCalls int
	ml := &Listener[moved]{Callback: func(moved) { movedCalls++ }}
	dl := &Listener[destroyed]{Callback: func(destroyed) { destroyedCalls++ }}
	Register(b, ml)
	Register(b, dl)

	ids := []uint64{ml.ID(), dl.ID()}
	assert.Equal(t, []uint64{1, 1}, ids, "identities are per type")

	Dispatch(b, moved{})
	ml.Close()
	Dispatch(b, moved{})
	Dispatch(b, destroyed{})

	assert.Equal(t, 1, movedCalls)
	assert.Equal(t, 1, destroyedCalls)
	assert.Equal(t, map[string]int{
		"events.moved":     0,
		"events.destroyed": 1,
	}, b.Types())
}

func TestDispatchWithoutListeners(t *testing.T) {
	b := NewBus()
	assert.NotPanics(t, func() { Dispatch(b, moved{}) })
	assert.Empty(t, b.Types())
}

func TestDeregisterDuringDispatch(t *testing.T) {
	b := NewBus()

	var calls []string
	second := &Listener[moved]{Name: "second", Callback: func(moved) { calls = append(calls, "second") }}
	first := &Listener[moved]{Name: "first", Callback: func(moved) {
		calls = append(calls, "first")
		second.Close()
	}}
	Register(b, first)
	Register(b, second)

	// The running dispatch keeps its snapshot; the next one sees the removal.
	Dispatch(b, moved{})
	Dispatch(b, moved{})

	assert.Equal(t, []string{"first", "second", "first"}, calls)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (o *recordingObserver) EventDispatched(event string, listeners int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[event] += listeners
}

func TestObserver(t *testing.T) {
	o := &recordingObserver{calls: map[string]int{}}
	b := NewBus(WithObserver(o))

	Register(b, &Listener[moved]{Callback: func(moved) {}})
	Register(b, &Listener[moved]{Callback: func(moved) {}})
	Dispatch(b, moved{})
	Dispatch(b, destroyed{})

	assert.Equal(t, map[string]int{"events.moved": 2}, o.calls)
}

func TestConcurrentDispatch(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	total := 0
	l := &Listener[moved]{Callback: func(ev moved) {
		mu.Lock()
		total += ev.slot
		mu.Unlock()
	}}
	Register(b, l)
	defer l.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				Dispatch(b, moved{slot: 1})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, total)
}
