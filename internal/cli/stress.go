package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/logging"
)

// stressResult summarises one stress run.
type stressResult struct {
	Roots    int
	Expected int64
	Ran      int64
	Stats    jobs.Stats
	Elapsed  time.Duration
}

// Balanced reports whether every job ran and every job was released.
func (r stressResult) Balanced() bool {
	return r.Ran == r.Expected && r.Stats.Created == r.Stats.Released && r.Stats.Pending == 0
}

func buildStressCommand() *cobra.Command {
	var (
		roots int
		seed  uint64
	)

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Stress the job scheduler with random job trees",
		Long:  "Submit random nested job trees, wait on every root and check that all jobs ran and were released",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}
			strategy, err := jobs.ParseWaitStrategy(cfg.Scheduler.WaitStrategy)
			if err != nil {
				return err
			}

			sched := jobs.NewScheduler(jobs.Config{
				WorkerCount:  cfg.Scheduler.WorkerCount,
				WaitStrategy: strategy,
				PinWorkers:   cfg.Scheduler.PinWorkers,
				Strict:       cfg.Scheduler.Strict,
			})
			if err := sched.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer sched.Shutdown()

			res := runStress(cmd.Context(), sched, roots, seed)
			printStress(cmd.OutOrStdout(), res)
			if !res.Balanced() {
				return fmt.Errorf("stress run unbalanced: ran %d of %d jobs, created %d released %d",
					res.Ran, res.Expected, res.Stats.Created, res.Stats.Released)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&roots, "jobs", 10000, "number of root jobs")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed for tree shapes")
	return cmd
}

// runStress submits roots waitable jobs, each spawning a random subtree of
// up to three levels, and waits for all of them.
func runStress(ctx context.Context, sched *jobs.Scheduler, roots int, seed uint64) stressResult {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	start := time.Now()

	var ran atomic.Int64
	var expected int64
	pending := make([]*jobs.Job, 0, roots)

	for i := 0; i < roots; i++ {
		shape := treeShape{fanout: 1 + rng.IntN(4), depth: rng.IntN(3)}
		expected += shape.size()

		root := sched.CreateWaitableJob()
		sched.Submit(ctx, root, shape.action(sched, &ran))
		pending = append(pending, root)

		// Waiting every few roots keeps the queue bounded.
		if len(pending) == 64 {
			for _, j := range pending {
				sched.Wait(ctx, j)
			}
			pending = pending[:0]
		}
	}
	for _, j := range pending {
		sched.Wait(ctx, j)
	}
	sched.WaitAll()

	return stressResult{
		Roots:    roots,
		Expected: expected,
		Ran:      ran.Load(),
		Stats:    sched.Stats(),
		Elapsed:  time.Since(start),
	}
}

// treeShape is a complete tree with fanout children per node.
type treeShape struct {
	fanout int
	depth  int
}

// size returns the number of jobs in the tree, root included.
func (s treeShape) size() int64 {
	n, level := int64(1), int64(1)
	for d := 0; d < s.depth; d++ {
		level *= int64(s.fanout)
		n += level
	}
	return n
}

func (s treeShape) action(sched *jobs.Scheduler, ran *atomic.Int64) jobs.Action {
	return func(ctx context.Context) {
		ran.Add(1)
		if s.depth == 0 {
			return
		}
		child := treeShape{fanout: s.fanout, depth: s.depth - 1}
		for i := 0; i < s.fanout; i++ {
			sched.Submit(ctx, sched.CreateJob(), child.action(sched, ran))
		}
	}
}

func printStress(w io.Writer, r stressResult) {
	status := "✅ balanced"
	if !r.Balanced() {
		status = "❌ unbalanced"
	}
	rate := float64(r.Ran) / max(r.Elapsed.Seconds(), 1e-9)

	fmt.Fprintln(w, "📊 Stress Run:")
	fmt.Fprintf(w, "  ├─ Roots:     %d\n", r.Roots)
	fmt.Fprintf(w, "  ├─ Jobs:      %d ran / %d expected\n", r.Ran, r.Expected)
	fmt.Fprintf(w, "  ├─ Created:   %d, Released: %d\n", r.Stats.Created, r.Stats.Released)
	fmt.Fprintf(w, "  ├─ Elapsed:   %s (%.0f jobs/s)\n", r.Elapsed.Round(time.Millisecond), rate)
	fmt.Fprintf(w, "  └─ Status:    %s\n", status)
}
