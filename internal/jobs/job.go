package jobs

import (
	"context"
	"sync/atomic"
	"time"
)

// Action is the work a Job performs. ctx carries the executing Job, so any
// Submit issued with ctx (or a context derived from it) becomes a child of
// that Job.
type Action func(ctx context.Context)

// Job is a schedulable unit of work with parent/child completion tracking.
//
// outstanding starts at 1 for the job itself and is incremented once per
// child submitted while the job runs. It reaches zero only after the action
// and every transitively spawned non-waitable child have finished.
type Job struct {
	id       uint64
	waitable bool
	action   Action
	parent   *Job

	outstanding atomic.Int32
	submitted   atomic.Bool
	released    atomic.Bool

	// done is closed once outstanding reaches zero. Only waitable jobs have one.
	done chan struct{}

	ctx         context.Context
	submittedAt time.Time
}

func newJob(id uint64, waitable bool) *Job {
	j := &Job{id: id, waitable: waitable}
	j.outstanding.Store(1)
	if waitable {
		j.done = make(chan struct{})
	}
	return j
}

// ID returns the scheduler-assigned identifier of the job.
func (j *Job) ID() uint64 { return j.id }

// Waitable reports whether the job was created with CreateWaitableJob.
func (j *Job) Waitable() bool { return j.waitable }

// Outstanding returns the job's current outstanding-count.
func (j *Job) Outstanding() int32 { return j.outstanding.Load() }

// Parent returns the job that was executing when this job was submitted,
// or nil for a root job.
func (j *Job) Parent() *Job { return j.parent }

type execKey struct{}

// execFrame is what an action's context carries: the job being executed and
// the worker executing it (nil when a caller drains the queue itself).
type execFrame struct {
	job *Job
	w   *worker
}

// Current returns the job executing on behalf of ctx, or nil when ctx does
// not originate from a job action.
func Current(ctx context.Context) *Job {
	if f := frameOf(ctx); f != nil {
		return f.job
	}
	return nil
}

func frameOf(ctx context.Context) *execFrame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(execKey{}).(*execFrame)
	return f
}

func withFrame(ctx context.Context, j *Job, w *worker) context.Context {
	return context.WithValue(ctx, execKey{}, &execFrame{job: j, w: w})
}
