// ============================================================================
// framecore Backend Pool - 裝置提交佇列
// ============================================================================
//
// Package: internal/backend
// 文件: pool.go
// 功能: 接收渲染循環錄製好的幀，並在（模擬）裝置消耗完其副本後回報結果
//
// 架構組件:
//   ┌──────────┐  Submit   ┌───────┐      ┌────────────┐
//   │ Renderer │ ────────> │ subCh │ ───> │ consumer 0 │ ─┐
//   └────┬─────┘           └───────┘      └────────────┘  │
//        │ Results()                                       │
//        └────────────────── resultCh <───────────────────┘
//
// 關閉流程:
//   Stop 關閉 subCh，讓每個 consumer 處理完已排隊的提交，
//   最後關閉 resultCh，使 range Results 的迴圈結束。
//
// ============================================================================

package backend

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/framecore/internal/logging"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("backend pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("backend pool not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("backend pool already started")
)

// Pool is a set of device queues consuming submitted frames.
type Pool struct {
	consumers []*consumer
	subCh     chan Submission
	resultCh  chan Result
	latency   Latency
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	mu        sync.Mutex // guards started, stopped and sends on subCh
}

// NewPool creates a pool whose channels buffer bufferSize entries.
func NewPool(bufferSize int, latency Latency) *Pool {
	return &Pool{
		subCh:    make(chan Submission, bufferSize),
		resultCh: make(chan Result, bufferSize),
		latency:  latency,
	}
}

// Start launches count consumers. Frames complete in submission order only
// when count is 1.
func (p *Pool) Start(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < count; i++ {
		c := newConsumer(i, p.subCh, p.resultCh, p.latency)
		p.consumers = append(p.consumers, c)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			c.run()
		}()
	}

	p.started = true
	logging.Logger().Debug("backend pool started", "queues", count,
		"latency", p.latency.Base, "jitter", p.latency.Jitter)
	return nil
}

// Submit queues sub for execution. It blocks while the submission buffer is
// full.
func (p *Pool) Submit(sub Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.subCh <- sub
	return nil
}

// Results delivers one Result per accepted submission. It is closed after
// Stop once every queued submission has finished.
func (p *Pool) Results() <-chan Result { return p.resultCh }

// Stop drains the queued submissions and stops every consumer. Results must
// keep being received until the channel closes. Safe to call repeatedly.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.subCh)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	close(p.resultCh)
}

// ConsumerCount returns the number of running device queues.
func (p *Pool) ConsumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
