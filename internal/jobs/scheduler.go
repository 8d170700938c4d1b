// ============================================================================
// framecore Job Scheduler - fork-join execution of render work
// ============================================================================
//
// Package: internal/jobs
// File: scheduler.go
// Purpose: Run independent units of work (render-pass recording, bulk CPU
//          updates) on a fixed pool of OS-thread-bound workers and let any
//          caller block until a subtree of spawned work has completed.
//
// Architecture:
//   ┌──────────────┐  Submit(ctx, job, action)   ┌──────────────┐
//   │ render loop  │ ──────────────────────────> │  readyQueue  │
//   │ or a job     │                             └──────┬───────┘
//   └──────┬───────┘                                    │ tryPop
//          │ Wait / WaitAll                   ┌─────────┼─────────┐
//          │ (helps drain)                    │Worker 0 │Worker 1 │ ...
//          └────────────────────────────────> └─────────┴─────────┘
//
// Completion counting:
//   - every Job starts with outstanding = 1
//   - Submit with a ctx that carries a running job increments that job's count
//   - a finished child decrements its parent (waitable children are
//     decremented by Wait instead)
//   - a job finishes once its action returned and its count is back to 1
//
// Lifecycle:
//   1. NewScheduler(cfg) - allocate, resolve worker count
//   2. Start()           - launch workers
//   3. Submit / Wait / WaitAll
//   4. Shutdown()        - stop, wake and join workers
//
// Contract violations (waiting on a non-waitable job, nil actions, double
// submission) are logged and ignored, or panic when Config.Strict is set.
//
// ============================================================================

package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/framecore/internal/logging"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAlreadyStarted is returned by Start when the workers are already running.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned by Start after Shutdown.
	ErrStopped = errors.New("scheduler stopped")
	// ErrContractViolation is the panic value (wrapped) raised in strict mode.
	ErrContractViolation = errors.New("job scheduler contract violation")
	// ErrUnknownWaitStrategy is returned by ParseWaitStrategy.
	ErrUnknownWaitStrategy = errors.New("unknown wait strategy")
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultWorkerCount asks NewScheduler for one worker per CPU minus one.
const DefaultWorkerCount = -1

// WaitStrategy selects how Wait blocks when it has nothing to help with.
type WaitStrategy string

const (
	// WaitSpin polls the job and yields the processor each iteration.
	WaitSpin WaitStrategy = "spin"
	// WaitBlock parks the caller on the job's completion channel.
	WaitBlock WaitStrategy = "block"
)

// ParseWaitStrategy converts a config string into a WaitStrategy.
// An empty string selects WaitSpin.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch WaitStrategy(strings.ToLower(s)) {
	case "", WaitSpin:
		return WaitSpin, nil
	case WaitBlock:
		return WaitBlock, nil
	}
	return WaitSpin, fmt.Errorf("%w: %q", ErrUnknownWaitStrategy, s)
}

// Observer receives job lifecycle notifications. Implementations must be
// safe for concurrent use; metrics.Collector is the production one.
type Observer interface {
	JobSubmitted()
	JobFinished(latency time.Duration)
}

// Config configures a Scheduler.
type Config struct {
	WorkerCount  int          // DefaultWorkerCount (<0) means NumCPU-1
	WaitStrategy WaitStrategy // defaults to WaitSpin
	PinWorkers   bool         // pin each worker thread to its own CPU
	Strict       bool         // panic on contract violations instead of logging
	Observer     Observer     // optional
}

// DefaultWorkers returns the default pool size: the available hardware
// parallelism minus the unit reserved for the submitting thread.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 0)
}

// Stats is a point-in-time view of the scheduler's counters.
type Stats struct {
	Created   uint64 `json:"created"`
	Submitted uint64 `json:"submitted"`
	Executed  uint64 `json:"executed"`
	Released  uint64 `json:"released"`
	Pending   int64  `json:"pending"`
	Queued    int    `json:"queued"`
}

// WorkerInfo describes one worker for diagnostics.
type WorkerInfo struct {
	ID         int    `json:"id"`
	ThreadID   int    `json:"thread_id"`
	CurrentJob uint64 `json:"current_job"` // 0 when idle
	Executed   uint64 `json:"executed"`
	Pinned     bool   `json:"pinned"`
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler is a fork-join job scheduler backed by a fixed worker pool.
type Scheduler struct {
	cfg         Config
	workerCount int
	queue       *readyQueue

	mu      sync.Mutex // guards workers and started
	workers []*worker
	started bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	nextID    atomic.Uint64
	created   atomic.Uint64
	submitted atomic.Uint64
	executed  atomic.Uint64
	released  atomic.Uint64
	pending   atomic.Int64 // submitted but not yet finished
}

// NewScheduler creates a scheduler. Workers are not launched until Start.
func NewScheduler(cfg Config) *Scheduler {
	n := cfg.WorkerCount
	if n < 0 {
		n = DefaultWorkers()
	}
	if cfg.WaitStrategy == "" {
		cfg.WaitStrategy = WaitSpin
	}

	return &Scheduler{
		cfg:         cfg,
		workerCount: n,
		queue:       newReadyQueue(),
	}
}

// Start launches the worker goroutines.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	for i := 0; i < s.workerCount; i++ {
		w := newWorker(i, s)
		s.workers = append(s.workers, w)

		s.wg.Add(1)
		go w.run()
	}

	s.started = true
	logging.Logger().Info("job scheduler started",
		"workers", s.workerCount,
		"wait_strategy", string(s.cfg.WaitStrategy),
		"pinned", s.cfg.PinWorkers)
	return nil
}

// CreateJob allocates a job that releases itself when it finishes.
func (s *Scheduler) CreateJob() *Job {
	s.created.Add(1)
	return newJob(s.nextID.Add(1), false)
}

// CreateWaitableJob allocates a job that must later be passed to Wait.
func (s *Scheduler) CreateWaitableJob() *Job {
	s.created.Add(1)
	return newJob(s.nextID.Add(1), true)
}

// Submit records action on job and makes it runnable.
//
// If ctx belongs to a running job, job becomes that job's child and the
// parent will not finish before it. After Shutdown the job runs inline on
// the calling goroutine.
func (s *Scheduler) Submit(ctx context.Context, job *Job, action Action) {
	if job == nil {
		s.violation("submit of nil job")
		return
	}
	if action == nil {
		s.violation("submit with nil action", "job", job.id)
		return
	}
	if !job.submitted.CompareAndSwap(false, true) {
		s.violation("job submitted twice", "job", job.id)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	parent := Current(ctx)
	if parent != nil && parent.outstanding.Add(1) == 1 {
		// The parent already finished; the context outlived its job.
		parent.outstanding.Add(-1)
		s.violation("submit from a finished job's context", "job", job.id, "parent", parent.id)
		parent = nil
	}

	job.action = action
	job.parent = parent
	job.ctx = ctx
	job.submittedAt = time.Now()

	s.submitted.Add(1)
	s.pending.Add(1)
	if s.cfg.Observer != nil {
		s.cfg.Observer.JobSubmitted()
	}

	if s.closed.Load() {
		logging.Logger().Warn("submit after shutdown, running inline", "job", job.id)
		s.execute(nil, job)
		return
	}
	s.queue.push(job)
}

// Wait blocks until job and all of its children have finished, then
// releases it. job must have been created with CreateWaitableJob.
//
// Called from inside a job (ctx carries one) or when no worker can run the
// job, Wait executes other ready jobs while it waits.
func (s *Scheduler) Wait(ctx context.Context, job *Job) {
	switch {
	case job == nil:
		s.violation("wait on nil job")
		return
	case !job.waitable:
		s.violation("wait on non-waitable job", "job", job.id)
		return
	case !job.submitted.Load():
		s.violation("wait on job that was never submitted", "job", job.id)
		return
	case job.released.Load():
		s.violation("wait on released job", "job", job.id)
		return
	}

	var w *worker
	f := frameOf(ctx)
	if f != nil {
		w = f.w
	}
	helps := f != nil || s.workerCount == 0 || s.closed.Load()

	if s.cfg.WaitStrategy == WaitBlock && !helps {
		<-job.done
	} else {
		for job.outstanding.Load() != 0 {
			if helps && s.helpOne(w) {
				continue
			}
			runtime.Gosched()
		}
	}

	if p := job.parent; p != nil {
		p.outstanding.Add(-1)
	}
	s.release(job)
}

// WaitAll blocks until every submitted job has finished. The caller drains
// the ready queue itself while waiting, so it makes progress with zero
// workers. Jobs it runs execute on the calling goroutine.
func (s *Scheduler) WaitAll() {
	for s.pending.Load() > 0 {
		if !s.helpOne(nil) {
			runtime.Gosched()
		}
	}
}

// Shutdown stops and joins every worker. A worker drains whatever it finds
// in the ready queue before exiting; later submissions run inline. Safe to
// call multiple times.
func (s *Scheduler) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.queue.close()
	s.wg.Wait()

	if n := s.queue.len(); n > 0 {
		logging.Logger().Warn("job scheduler stopped with queued jobs", "queued", n)
	}
	logging.Logger().Info("job scheduler stopped", "executed", s.executed.Load())
}

// WorkerCount returns the number of workers the scheduler runs.
func (s *Scheduler) WorkerCount() int { return s.workerCount }

// WorkerIDs lists the identifiers of the running workers.
func (s *Scheduler) WorkerIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.id
	}
	return ids
}

// ListWorkers returns a diagnostic snapshot of every worker.
func (s *Scheduler) ListWorkers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkerInfo, len(s.workers))
	for i, w := range s.workers {
		infos[i] = w.info()
	}
	return infos
}

// IdleWorkers returns how many workers are asleep waiting for work.
func (s *Scheduler) IdleWorkers() int { return s.queue.idleWorkers() }

// Stats returns the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Created:   s.created.Load(),
		Submitted: s.submitted.Load(),
		Executed:  s.executed.Load(),
		Released:  s.released.Load(),
		Pending:   s.pending.Load(),
		Queued:    s.queue.len(),
	}
}

// ============================================================================
// Execution
// ============================================================================

// execute runs job on w (nil when a caller drains the queue) and completes it.
func (s *Scheduler) execute(w *worker, job *Job) {
	var prev *Job
	if w != nil {
		prev = w.current.Swap(job)
	}

	s.runAction(w, job)

	// Children spawned by the action hold the count above 1.
	for job.outstanding.Load() != 1 {
		if !s.helpOne(w) {
			runtime.Gosched()
		}
	}

	latency := time.Since(job.submittedAt)
	waitable := job.waitable
	parent := job.parent

	if w != nil {
		w.current.Store(prev)
		w.executed.Add(1)
	}
	s.executed.Add(1)
	if s.cfg.Observer != nil {
		s.cfg.Observer.JobFinished(latency)
	}

	if waitable {
		// Wait owns the parent decrement and the release from here on.
		job.outstanding.Add(-1)
		close(job.done)
		s.pending.Add(-1)
		return
	}

	job.outstanding.Add(-1)
	if parent != nil {
		parent.outstanding.Add(-1)
	}
	s.release(job)
	s.pending.Add(-1)
}

// runAction invokes the job's action. A panicking action is fatal: it is
// logged and re-raised.
func (s *Scheduler) runAction(w *worker, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Error("job action panicked", "job", job.id, "panic", r)
			panic(r)
		}
	}()
	job.action(withFrame(job.ctx, job, w))
}

// helpOne runs one ready job on behalf of w, if there is one.
func (s *Scheduler) helpOne(w *worker) bool {
	j := s.queue.tryPop()
	if j == nil {
		return false
	}
	s.execute(w, j)
	return true
}

func (s *Scheduler) release(job *Job) {
	if !job.released.CompareAndSwap(false, true) {
		s.violation("job released twice", "job", job.id)
		return
	}
	job.action = nil
	job.parent = nil
	job.ctx = nil
	s.released.Add(1)
}

func (s *Scheduler) violation(msg string, args ...any) {
	logging.Logger().Error("job scheduler contract violation: "+msg, args...)
	if s.cfg.Strict {
		panic(fmt.Errorf("%w: %s", ErrContractViolation, msg))
	}
}
