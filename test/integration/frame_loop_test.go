// ============================================================================
// framecore Frame Loop Integration Tests
// ============================================================================
//
// Package: test/integration
// File: frame_loop_test.go
// Functionality: Drive the full stack (scheduler, event bus, replicated
//                stores, render graph, backend, metrics) with the synthetic
//                scene and check the system-level guarantees.
//
// TestFrameLoopConverges:
//   - 60 frames of a moving, respawning scene
//   - then N+1 idle frames so every pending write reaches every replica
//   - every replica (and its shadow) must equal the last value dispatched
//
// TestFrameLoopMetrics:
//   - counters seen by Prometheus agree with the renderer's own stats
//
// TestFrameLoopReport:
//   - a run report written after the loop loads back intact
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framecore/internal/backend"
	"github.com/ChuLiYu/framecore/internal/events"
	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/metrics"
	"github.com/ChuLiYu/framecore/internal/renderer"
	"github.com/ChuLiYu/framecore/internal/report"
	"github.com/ChuLiYu/framecore/internal/scenesim"
	"github.com/ChuLiYu/framecore/pkg/types"
)

type system struct {
	sched *jobs.Scheduler
	bus   *events.Bus
	r     *renderer.Renderer
	sim   *scenesim.Simulator
	reg   *prometheus.Registry
}

func newSystem(t *testing.T, replicas, objects int) *system {
	t.Helper()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	sched := jobs.NewScheduler(jobs.Config{WorkerCount: 4, Observer: collector})
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Shutdown)

	bus := events.NewBus(events.WithObserver(collector))
	r, err := renderer.New(sched, bus, renderer.Config{
		Replicas:       replicas,
		Slots:          objects,
		FrameTimeout:   time.Second,
		BackendLatency: backend.Latency{Base: 200 * time.Microsecond, Jitter: 200 * time.Microsecond},
	}, renderer.WithObserver(collector), renderer.WithQueueObserver(collector))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	sim := scenesim.New(sched, bus, scenesim.Config{
		Objects:       objects,
		MovingPercent: 0.3,
		RespawnEvery:  7,
		Seed:          11,
	})
	return &system{sched: sched, bus: bus, r: r, sim: sim, reg: reg}
}

// lastTransforms records the most recent transform dispatched per slot.
type lastTransforms struct {
	mu    sync.Mutex
	slots map[int]types.Mat4
}

func watchTransforms(t *testing.T, bus *events.Bus) *lastTransforms {
	t.Helper()
	lt := &lastTransforms{slots: map[int]types.Mat4{}}
	l := &events.Listener[types.TransformChanged]{Name: "watch", Callback: func(ev types.TransformChanged) {
		lt.mu.Lock()
		lt.slots[ev.Slot] = ev.Transform
		lt.mu.Unlock()
	}}
	events.Register(bus, l)
	t.Cleanup(l.Close)
	return lt
}

func TestFrameLoopConverges(t *testing.T) {
	for _, replicas := range []int{1, 2, 3, 4} {
		t.Run(replicaName(replicas), func(t *testing.T) {
			const objects = 64
			s := newSystem(t, replicas, objects)
			watch := watchTransforms(t, s.bus)

			require.NoError(t, s.r.Run(context.Background(), 60, s.sim))
			require.NoError(t, s.r.Run(context.Background(), uint64(replicas+1), nil))

			stats := s.r.Stats()
			assert.Equal(t, uint64(60+replicas+1), stats.Submitted)
			assert.Equal(t, stats.Submitted, stats.Completed)
			assert.Zero(t, stats.Failed)
			for name, pending := range stats.Pending {
				assert.Zero(t, pending, "store %s", name)
			}

			buf := s.r.Transforms().Buffers()
			watch.mu.Lock()
			defer watch.mu.Unlock()
			require.Len(t, watch.slots, objects)
			for rep := 0; rep < replicas; rep++ {
				for slot, want := range watch.slots {
					assert.Equal(t, want, buf.At(rep, slot), "replica %d slot %d", rep, slot)
					assert.Equal(t, want, buf.ShadowAt(rep, slot), "shadow %d slot %d", rep, slot)
				}
			}
		})
	}
}

func TestFrameLoopMetrics(t *testing.T) {
	s := newSystem(t, 3, 32)

	require.NoError(t, s.r.Run(context.Background(), 30, s.sim))
	s.sched.WaitAll()

	stats := s.r.Stats()
	assert.Equal(t, float64(stats.Submitted), sumMetric(t, s.reg, "framecore_frames_submitted_total"))
	assert.Equal(t, float64(stats.Failed), sumMetric(t, s.reg, "framecore_frames_failed_total"))
	assert.Zero(t, sumMetric(t, s.reg, "framecore_frames_in_flight"))
	assert.Zero(t, sumMetric(t, s.reg, "framecore_jobs_pending"))

	sched := s.sched.Stats()
	assert.Equal(t, float64(sched.Submitted), sumMetric(t, s.reg, "framecore_jobs_submitted_total"))
	assert.Positive(t, sumMetric(t, s.reg, "framecore_replica_mutations_total"))
	assert.Positive(t, sumMetric(t, s.reg, "framecore_events_dispatched_total"))
}

func TestFrameLoopReport(t *testing.T) {
	s := newSystem(t, 2, 16)
	start := time.Now()

	require.NoError(t, s.r.Run(context.Background(), 20, s.sim))
	s.sched.WaitAll()

	mgr := report.NewManager(filepath.Join(t.TempDir(), "report.json"))
	require.NoError(t, mgr.Write(report.Report{
		RunID:     s.r.RunID(),
		Duration:  time.Since(start),
		Scheduler: s.sched.Stats(),
		Workers:   s.sched.ListWorkers(),
		Renderer:  s.r.Stats(),
		Listeners: s.bus.Types(),
		Respawned: s.sim.Respawned(),
	}))

	got, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, s.r.RunID(), got.RunID)
	assert.Equal(t, uint64(20), got.Renderer.Submitted)
	assert.Equal(t, got.Scheduler.Created, got.Scheduler.Released)
	assert.Len(t, got.Workers, 4)
	assert.Equal(t, uint64(2), got.Respawned, "frames 7 and 14")
	assert.NotEmpty(t, got.Listeners)
}

func replicaName(n int) string {
	return []string{"", "single", "double", "triple", "quad"}[n]
}

func sumMetric(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)

	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}
