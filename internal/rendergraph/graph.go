// Package rendergraph records the passes of a frame as fork-join jobs.
//
// Passes declare the passes they must run after. Execute groups them into
// dependency levels; the passes of one level record concurrently, each level
// waits for the previous one, and the whole frame hangs off a single
// waitable root job so the caller blocks on one subtree.
package rendergraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/framecore/internal/events"
	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/logging"
	"github.com/ChuLiYu/framecore/pkg/types"
)

var (
	// ErrDuplicatePass is returned by AddPass for a name already in the graph.
	ErrDuplicatePass = errors.New("duplicate render pass")
	// ErrNilRecord is returned by AddPass for a pass without a Record func.
	ErrNilRecord = errors.New("render pass has no record function")
	// ErrUnknownDependency is returned by Execute when After names a missing pass.
	ErrUnknownDependency = errors.New("unknown render pass dependency")
	// ErrCycle is returned by Execute when the pass dependencies form a cycle.
	ErrCycle = errors.New("render pass dependency cycle")
)

// FrameContext identifies the frame a pass records for.
type FrameContext struct {
	Frame   uint64
	Replica int
}

// Pass is one node of the graph.
type Pass struct {
	Name   string
	After  []string
	Record func(ctx context.Context, fc FrameContext)
}

// Graph is an ordered set of passes. Passes are added at setup time;
// Execute may then be called once per frame.
type Graph struct {
	sched *jobs.Scheduler
	bus   *events.Bus

	mu     sync.Mutex
	passes []Pass
	index  map[string]int
	levels [][]int // cached; reset by AddPass
}

// New creates an empty graph recording on sched. bus may be nil, in which
// case no PassRecorded events are dispatched.
func New(sched *jobs.Scheduler, bus *events.Bus) *Graph {
	return &Graph{sched: sched, bus: bus, index: make(map[string]int)}
}

// AddPass appends p to the graph.
func (g *Graph) AddPass(p Pass) error {
	if p.Record == nil {
		return fmt.Errorf("%w: %q", ErrNilRecord, p.Name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[p.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicatePass, p.Name)
	}
	p.After = append([]string(nil), p.After...)
	g.index[p.Name] = len(g.passes)
	g.passes = append(g.passes, p)
	g.levels = nil
	return nil
}

// Passes returns the pass names in declaration order.
func (g *Graph) Passes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, len(g.passes))
	for i, p := range g.passes {
		names[i] = p.Name
	}
	return names
}

// Levels returns the pass names grouped by dependency level.
func (g *Graph) Levels() ([][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	levels, err := g.resolve()
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(levels))
	for i, level := range levels {
		for _, idx := range level {
			out[i] = append(out[i], g.passes[idx].Name)
		}
	}
	return out, nil
}

// Execute records every pass for fc and returns once all of them finished.
// PassRecorded events are dispatched afterwards in declaration order.
func (g *Graph) Execute(ctx context.Context, fc FrameContext) error {
	g.mu.Lock()
	levels, err := g.resolve()
	passes := g.passes
	g.mu.Unlock()
	if err != nil {
		return err
	}

	durations := make([]time.Duration, len(passes))
	root := g.sched.CreateWaitableJob()
	g.sched.Submit(ctx, root, func(rctx context.Context) {
		for _, level := range levels {
			lj := g.sched.CreateWaitableJob()
			g.sched.Submit(rctx, lj, func(lctx context.Context) {
				for _, idx := range level {
					g.sched.Submit(lctx, g.sched.CreateJob(), func(pctx context.Context) {
						start := time.Now()
						passes[idx].Record(pctx, fc)
						durations[idx] = time.Since(start)
					})
				}
			})
			g.sched.Wait(rctx, lj)
		}
	})
	g.sched.Wait(ctx, root)

	if g.bus != nil {
		for i, p := range passes {
			events.Dispatch(g.bus, types.PassRecorded{Frame: fc.Frame, Pass: p.Name, Duration: durations[i]})
		}
	}
	return nil
}

// resolve computes (and caches) the dependency levels with Kahn's
// algorithm. Passes within a level keep declaration order. g.mu is held.
func (g *Graph) resolve() ([][]int, error) {
	if g.levels != nil {
		return g.levels, nil
	}

	indegree := make([]int, len(g.passes))
	dependents := make([][]int, len(g.passes))
	for i, p := range g.passes {
		for _, dep := range p.After {
			d, ok := g.index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %q after %q", ErrUnknownDependency, p.Name, dep)
			}
			indegree[i]++
			dependents[d] = append(dependents[d], i)
		}
	}

	var levels [][]int
	var ready []int
	for i, n := range indegree {
		if n == 0 {
			ready = append(ready, i)
		}
	}
	placed := 0
	for len(ready) > 0 {
		levels = append(levels, ready)
		placed += len(ready)

		var next []int
		for _, i := range ready {
			for _, d := range dependents[i] {
				if indegree[d]--; indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		slices.Sort(next)
		ready = next
	}

	if placed != len(g.passes) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, g.passes[i].Name)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}

	g.levels = levels
	logging.Logger().Debug("render graph resolved", "passes", len(g.passes), "levels", len(levels))
	return levels, nil
}
