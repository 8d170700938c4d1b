// ============================================================================
// framecore Renderer - frame loop coordinator
// ============================================================================
//
// Package: internal/renderer
// File: renderer.go
// Purpose: Tie the job scheduler, event bus, replicated state stores, render
//          graph and backend together into a frame loop that keeps up to N
//          frames in flight.
//
// Per frame:
//   1. Acquire a frames-in-flight permit (blocks while N frames are queued)
//   2. Replica = frame % N; dispatch FrameStart so every store converges
//      its pending writes into that replica
//   3. Execute the render graph as one fork-join job subtree and wait on it
//   4. Submit the frame to the backend and dispatch FrameSubmitted
//   5. The result loop releases the permit when the backend reports back
//
// The backend runs a single in-order queue, so by the time frame F + N
// obtains a permit, frame F (same replica) has been fully consumed.
//
// Lifecycle:
//   New -> RenderFrame / Run ... -> Close (drains in-flight frames)
//
// ============================================================================

package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/framecore/internal/backend"
	"github.com/ChuLiYu/framecore/internal/events"
	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/logging"
	"github.com/ChuLiYu/framecore/internal/rendergraph"
	"github.com/ChuLiYu/framecore/internal/renderstate"
	"github.com/ChuLiYu/framecore/internal/replica"
	"github.com/ChuLiYu/framecore/pkg/types"
)

// ErrClosed is returned by RenderFrame and Run after Close.
var ErrClosed = errors.New("renderer closed")

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Renderer.
type Config struct {
	Replicas       int             // frames in flight, 1..replica.MaxReplicas
	Slots          int             // initial object slot capacity
	FrameTimeout   time.Duration   // backend deadline per frame; 0 disables
	BackendLatency backend.Latency // simulated device time per frame
}

// Observer receives frame notifications.
type Observer interface {
	FrameSubmitted(replica int)
	FrameCompleted(latency time.Duration, failed bool)
}

// Producer mutates the scene before each frame. scenesim.Simulator is one.
type Producer interface {
	Step(ctx context.Context, frame uint64)
}

// Option configures optional Renderer collaborators.
type Option func(*Renderer)

// WithObserver reports frame activity to o.
func WithObserver(o Observer) Option {
	return func(r *Renderer) { r.observer = o }
}

// WithQueueObserver reports replica queue activity of every store to o.
func WithQueueObserver(o replica.Observer) Option {
	return func(r *Renderer) { r.queueObserver = o }
}

// Stats is a snapshot of the renderer's counters.
type Stats struct {
	RunID     string         `json:"run_id"`
	Submitted uint64         `json:"frames_submitted"`
	Completed uint64         `json:"frames_completed"`
	Failed    uint64         `json:"frames_failed"`
	DrawCalls uint64         `json:"draw_calls"`
	Pending   map[string]int `json:"pending_writes"`
}

// ============================================================================
// Renderer
// ============================================================================

// Renderer runs the frame loop.
type Renderer struct {
	id    uuid.UUID
	cfg   Config
	sched *jobs.Scheduler
	bus   *events.Bus
	graph *rendergraph.Graph
	pool  *backend.Pool

	transforms *renderstate.Store[types.Mat4]
	materials  *renderstate.Store[types.MaterialParams]
	instances  *renderstate.Store[types.InstanceData]

	inflight      *semaphore.Weighted
	observer      Observer
	queueObserver replica.Observer

	nextFrame atomic.Uint64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	drawCalls atomic.Uint64

	mu         sync.Mutex // serialises RenderFrame and guards closed
	closed     bool
	resultDone chan struct{}
}

// New creates a renderer with the default pass set (shadow, depth, main,
// post) and starts its backend.
func New(sched *jobs.Scheduler, bus *events.Bus, cfg Config, opts ...Option) (*Renderer, error) {
	if cfg.Replicas < 1 || cfg.Replicas > replica.MaxReplicas {
		return nil, fmt.Errorf("%w: %d", replica.ErrInvalidReplicaCount, cfg.Replicas)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	r := &Renderer{
		id:         id,
		cfg:        cfg,
		sched:      sched,
		bus:        bus,
		graph:      rendergraph.New(sched, bus),
		pool:       backend.NewPool(cfg.Replicas, cfg.BackendLatency),
		inflight:   semaphore.NewWeighted(int64(cfg.Replicas)),
		resultDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	storeOpts := renderstate.Options{Replicas: cfg.Replicas, Slots: cfg.Slots, Observer: r.queueObserver}
	if r.transforms, err = renderstate.NewTransformStore(bus, storeOpts); err != nil {
		return nil, err
	}
	if r.materials, err = renderstate.NewMaterialStore(bus, storeOpts); err != nil {
		r.transforms.Close()
		return nil, err
	}
	if r.instances, err = renderstate.NewInstanceStore(bus, storeOpts); err != nil {
		r.transforms.Close()
		r.materials.Close()
		return nil, err
	}

	for _, p := range r.defaultPasses() {
		if err := r.graph.AddPass(p); err != nil {
			r.closeStores()
			return nil, err
		}
	}

	if err := r.pool.Start(1); err != nil {
		r.closeStores()
		return nil, fmt.Errorf("start backend: %w", err)
	}
	go r.resultLoop()

	logging.Logger().Info("renderer created",
		"run_id", id.String(),
		"replicas", cfg.Replicas,
		"slots", cfg.Slots,
		"passes", r.graph.Passes())
	return r, nil
}

// RunID returns the UUIDv7 identifying this renderer's run.
func (r *Renderer) RunID() string { return r.id.String() }

// Graph returns the render graph, for adding passes before the first frame.
func (r *Renderer) Graph() *rendergraph.Graph { return r.graph }

// Transforms returns the replicated transform store.
func (r *Renderer) Transforms() *renderstate.Store[types.Mat4] { return r.transforms }

// Materials returns the replicated material store.
func (r *Renderer) Materials() *renderstate.Store[types.MaterialParams] { return r.materials }

// Instances returns the replicated instance store.
func (r *Renderer) Instances() *renderstate.Store[types.InstanceData] { return r.instances }

// RenderFrame renders one frame and returns once it is queued on the
// backend. It blocks while Replicas frames are already in flight.
func (r *Renderer) RenderFrame(ctx context.Context) error {
	if err := r.inflight.Acquire(ctx, 1); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.inflight.Release(1)
		return ErrClosed
	}

	frame := r.nextFrame.Load()
	rep := int(frame % uint64(r.cfg.Replicas))

	events.Dispatch(r.bus, types.FrameStart{Frame: frame, Replica: rep})

	fc := rendergraph.FrameContext{Frame: frame, Replica: rep}
	if err := r.graph.Execute(ctx, fc); err != nil {
		r.inflight.Release(1)
		return fmt.Errorf("frame %d: %w", frame, err)
	}

	sub := backend.Submission{
		Frame:   frame,
		Replica: rep,
		Timeout: r.cfg.FrameTimeout,
		Consume: r.consume,
	}
	if err := r.pool.Submit(sub); err != nil {
		r.inflight.Release(1)
		return fmt.Errorf("frame %d: %w", frame, err)
	}

	r.nextFrame.Add(1)
	r.submitted.Add(1)
	if r.observer != nil {
		r.observer.FrameSubmitted(rep)
	}
	events.Dispatch(r.bus, types.FrameSubmitted{Frame: frame, Replica: rep})
	return nil
}

// Run renders frames until frames have been rendered (0 means until ctx
// is done). producer, if non-nil, is stepped before every frame. Run waits
// for the backend to finish the rendered frames before returning.
func (r *Renderer) Run(ctx context.Context, frames uint64, producer Producer) error {
	start := time.Now()
	var rendered uint64
	var err error

	for frames == 0 || rendered < frames {
		if ctx.Err() != nil {
			break
		}
		if producer != nil {
			producer.Step(ctx, r.nextFrame.Load())
		}
		if err = r.RenderFrame(ctx); err != nil {
			break
		}
		rendered++
	}

	// A cancelled context ends an unbounded run normally.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if derr := r.Drain(context.Background()); err == nil {
		err = derr
	}

	logging.Logger().Info("frame loop finished",
		"run_id", r.RunID(),
		"frames", rendered,
		"duration", time.Since(start),
		"failed", r.failed.Load())
	return err
}

// Drain waits until every submitted frame has been consumed.
func (r *Renderer) Drain(ctx context.Context) error {
	n := int64(r.cfg.Replicas)
	if err := r.inflight.Acquire(ctx, n); err != nil {
		return err
	}
	r.inflight.Release(n)
	return nil
}

// Stats returns the renderer's counters.
func (r *Renderer) Stats() Stats {
	return Stats{
		RunID:     r.RunID(),
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		DrawCalls: r.drawCalls.Load(),
		Pending: map[string]int{
			r.transforms.Name(): r.transforms.Pending(),
			r.materials.Name():  r.materials.Pending(),
			r.instances.Name():  r.instances.Pending(),
		},
	}
}

// Close waits for in-flight frames, stops the backend and deregisters the
// stores. Safe to call more than once.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.Drain(context.Background())
	r.pool.Stop()
	<-r.resultDone
	r.closeStores()

	logging.Logger().Info("renderer closed", "run_id", r.RunID(), "frames", r.submitted.Load())
	return err
}

// resultLoop releases one permit per finished frame.
func (r *Renderer) resultLoop() {
	defer close(r.resultDone)

	for res := range r.pool.Results() {
		r.completed.Add(1)
		failed := res.Err != nil
		if failed {
			r.failed.Add(1)
			logging.Logger().Warn("frame failed on backend",
				"frame", res.Frame, "replica", res.Replica, "error", res.Err)
		}
		if r.observer != nil {
			r.observer.FrameCompleted(res.Duration, failed)
		}
		r.inflight.Release(1)
	}
}

func (r *Renderer) closeStores() {
	r.transforms.Close()
	r.materials.Close()
	r.instances.Close()
}
