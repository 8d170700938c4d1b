// ============================================================================
// framecore Backend Consumer - simulated device queue
// ============================================================================
//
// Package: internal/backend
// File: consumer.go
// Purpose: Stand in for the device that executes recorded frames.
//
// Each consumer is one goroutine that loops:
//   1. Receive a Submission from subCh (blocking)
//   2. Read the frame's replica through Submission.Consume
//   3. Hold the frame for the configured latency (with timeout)
//   4. Send a Result to resultCh
//
// A single consumer completes frames in submission order, which is what
// allows the renderer to reuse a replica once a later frame's permit frees.
//
// ============================================================================

package backend

import (
	"context"
	"math/rand/v2"
	"time"
)

type consumer struct {
	id       int
	subCh    <-chan Submission
	resultCh chan<- Result
	latency  Latency
}

func newConsumer(id int, subCh <-chan Submission, resultCh chan<- Result, latency Latency) *consumer {
	return &consumer{
		id:       id,
		subCh:    subCh,
		resultCh: resultCh,
		latency:  latency,
	}
}

// run processes submissions until subCh is closed. Every submission yields
// exactly one Result; the pool closes resultCh only after run returns.
func (c *consumer) run() {
	for sub := range c.subCh {
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if sub.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, sub.Timeout)
		}
		err := c.execute(ctx, sub)
		cancel()

		c.resultCh <- Result{
			Frame:    sub.Frame,
			Replica:  sub.Replica,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

func (c *consumer) execute(ctx context.Context, sub Submission) error {
	if sub.Consume != nil {
		if err := sub.Consume(ctx, sub.Replica); err != nil {
			return err
		}
	}

	d := c.latency.Base
	if c.latency.Jitter > 0 {
		d += rand.N(c.latency.Jitter)
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
