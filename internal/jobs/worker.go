package jobs

import (
	"runtime"
	"sync/atomic"

	"github.com/ChuLiYu/framecore/internal/logging"
)

// worker is one execution unit of the pool. It owns an OS thread for its
// whole life and publishes the job it is running in current, which only the
// worker writes and anyone may read.
type worker struct {
	id int
	s  *Scheduler

	threadID atomic.Int64
	pinned   atomic.Bool
	current  atomic.Pointer[Job]
	executed atomic.Uint64
}

func newWorker(id int, s *Scheduler) *worker {
	return &worker{id: id, s: s}
}

// run is the worker main loop: pop, execute, sleep when the queue is empty.
func (w *worker) run() {
	defer w.s.wg.Done()

	// The thread is never unlocked: it exits with the goroutine, so a pinned
	// thread is never handed back to the runtime with a narrowed CPU mask.
	runtime.LockOSThread()
	w.threadID.Store(int64(threadID()))

	log := logging.Logger()
	if w.s.cfg.PinWorkers {
		cpu := (w.id + 1) % runtime.NumCPU()
		if err := pinToCPU(cpu); err != nil {
			log.Warn("worker pinning failed", "worker", w.id, "cpu", cpu, "error", err)
		} else {
			w.pinned.Store(true)
		}
	}
	log.Debug("worker started", "worker", w.id, "tid", w.threadID.Load(), "pinned", w.pinned.Load())

	for {
		if j := w.s.queue.tryPop(); j != nil {
			w.s.execute(w, j)
			continue
		}
		if !w.s.queue.waitForWork() {
			break
		}
	}

	log.Debug("worker stopped", "worker", w.id, "executed", w.executed.Load())
}

func (w *worker) info() WorkerInfo {
	info := WorkerInfo{
		ID:       w.id,
		ThreadID: int(w.threadID.Load()),
		Executed: w.executed.Load(),
		Pinned:   w.pinned.Load(),
	}
	if j := w.current.Load(); j != nil {
		info.CurrentJob = j.id
	}
	return info
}
