package backend

import (
	"context"
	"time"
)

// Submission is one recorded frame handed to the backend.
type Submission struct {
	Frame   uint64
	Replica int
	Timeout time.Duration // 0 means no deadline

	// Consume reads the frame's replica. It runs on a backend goroutine
	// while the replica is reserved for the frame.
	Consume func(ctx context.Context, replica int) error
}

// Result reports a finished frame.
type Result struct {
	Frame    uint64
	Replica  int
	Err      error
	Duration time.Duration
}

// Latency models how long the device takes to execute a frame.
type Latency struct {
	Base   time.Duration
	Jitter time.Duration // uniform in [0, Jitter)
}
