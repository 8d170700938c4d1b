// ============================================================================
// framecore CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the frame loop
//
// Command Structure:
//   framecore                      # Root command
//   ├── run                        # Run the frame loop against a synthetic scene
//   │   └── --frames               # Override renderer.frames
//   ├── stress                     # Hammer the job scheduler with random trees
//   │   └── --jobs                 # Number of root jobs
//   ├── status                     # Show config, last report and live health
//   │   └── --addr                 # Query a running instance's health endpoint
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version                  # Display version information
//
// run Command:
//   1. Load config and set up logging
//   2. Create scheduler, event bus, renderer and scene simulator
//   3. Start metrics HTTP and gRPC health servers (if enabled)
//   4. Render frames until the frame count is reached or SIGINT/SIGTERM
//   5. Drain in-flight frames, write the run report, shut down
//
// Examples:
//   ./framecore run
//   ./framecore run -c configs/default.yaml --frames 120
//   ./framecore stress --jobs 50000
//   ./framecore status --addr localhost:50051
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/framecore/internal/backend"
	"github.com/ChuLiYu/framecore/internal/events"
	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/logging"
	"github.com/ChuLiYu/framecore/internal/metrics"
	"github.com/ChuLiYu/framecore/internal/renderer"
	"github.com/ChuLiYu/framecore/internal/report"
	"github.com/ChuLiYu/framecore/internal/scenesim"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "framecore",
		Short: "framecore: a fork-join frame loop with replicated render state",
		Long: `framecore drives a multi-buffered frame loop built from:
- a fork-join job scheduler with helping waits
- a typed event bus with lifetime-safe listeners
- replicated update queues that converge every frame in flight`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStressCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var frames int64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the frame loop",
		Long:  "Render frames of a synthetic scene until the configured frame count or an interrupt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if frames >= 0 {
				cfg.Renderer.Frames = uint64(frames)
			}
			if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rep, err := runFrameLoop(ctx, cfg)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), rep)
			return nil
		},
	}

	cmd.Flags().Int64Var(&frames, "frames", -1, "frames to render, 0 = until interrupted (overrides config)")
	return cmd
}

// runFrameLoop wires every component from cfg, renders the configured
// frames and writes the run report.
func runFrameLoop(ctx context.Context, cfg *Config) (report.Report, error) {
	log := logging.Logger()
	start := time.Now()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	strategy, err := jobs.ParseWaitStrategy(cfg.Scheduler.WaitStrategy)
	if err != nil {
		return report.Report{}, err
	}
	sched := jobs.NewScheduler(jobs.Config{
		WorkerCount:  cfg.Scheduler.WorkerCount,
		WaitStrategy: strategy,
		PinWorkers:   cfg.Scheduler.PinWorkers,
		Strict:       cfg.Scheduler.Strict,
		Observer:     collector,
	})
	if err := sched.Start(); err != nil {
		return report.Report{}, fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Shutdown()

	bus := events.NewBus(events.WithObserver(collector))

	r, err := renderer.New(sched, bus, renderer.Config{
		Replicas:     cfg.Renderer.Replicas,
		Slots:        cfg.Renderer.Slots,
		FrameTimeout: cfg.Renderer.FrameTimeout,
		BackendLatency: backend.Latency{
			Base:   cfg.Renderer.BackendLatency,
			Jitter: cfg.Renderer.BackendJitter,
		},
	}, renderer.WithObserver(collector), renderer.WithQueueObserver(collector))
	if err != nil {
		return report.Report{}, fmt.Errorf("failed to create renderer: %w", err)
	}
	defer r.Close()

	sim := scenesim.New(sched, bus, scenesim.Config{
		Objects:       cfg.Scene.Objects,
		MovingPercent: cfg.Scene.MovingPercent,
		RespawnEvery:  cfg.Scene.RespawnEvery,
		Seed:          cfg.Scene.Seed,
	})

	log.Info("frame loop starting",
		"config", configFile,
		"run_id", r.RunID(),
		"workers", sched.WorkerCount(),
		"replicas", cfg.Renderer.Replicas,
		"objects", cfg.Scene.Objects,
		"frames", cfg.Renderer.Frames)

	// Servers stop when the loop finishes or the process is interrupted.
	srvCtx, cancelServers := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(srvCtx)

	var diag *diagnostics
	if cfg.Metrics.Enabled {
		g.Go(func() error { return collector.Serve(gctx, cfg.Metrics.Addr) })
	}
	if cfg.Diagnostics.Enabled {
		diag = newDiagnostics()
		g.Go(func() error { return diag.serve(gctx, cfg.Diagnostics.Addr) })
		diag.setServing(true)
	}

	g.Go(func() error {
		defer cancelServers()
		if diag != nil {
			defer diag.setServing(false)
		}
		return r.Run(gctx, cfg.Renderer.Frames, sim)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return report.Report{}, fmt.Errorf("frame loop failed: %w", err)
	}

	sched.WaitAll()
	rep := report.Report{
		RunID:     r.RunID(),
		Duration:  time.Since(start),
		Scheduler: sched.Stats(),
		Workers:   sched.ListWorkers(),
		Renderer:  r.Stats(),
		Listeners: bus.Types(),
		Respawned: sim.Respawned(),
	}
	if err := report.NewManager(cfg.Report.Path).Write(rep); err != nil {
		return rep, fmt.Errorf("failed to write report: %w", err)
	}
	log.Info("run report written", "path", cfg.Report.Path)
	return rep, nil
}

func printSummary(w io.Writer, rep report.Report) {
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run %s finished in %s\n", rep.RunID, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  ├─ Frames:    %d submitted, %d completed, %d failed\n",
		rep.Renderer.Submitted, rep.Renderer.Completed, rep.Renderer.Failed)
	fmt.Fprintf(w, "  ├─ Draws:     %d\n", rep.Renderer.DrawCalls)
	fmt.Fprintf(w, "  ├─ Jobs:      %d executed, %d released\n", rep.Scheduler.Executed, rep.Scheduler.Released)
	fmt.Fprintf(w, "  └─ Respawned: %d\n", rep.Respawned)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, the last run report and, with --addr, a live health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "diagnostics address of a running instance (e.g. localhost:50051)")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, addr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           framecore Status                                ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Workers:         %d (%s wait)\n", cfg.Scheduler.WorkerCount, cfg.Scheduler.WaitStrategy)
	fmt.Fprintf(w, "  ├─ Replicas:        %d\n", cfg.Renderer.Replicas)
	fmt.Fprintf(w, "  ├─ Frame Timeout:   %s\n", cfg.Renderer.FrameTimeout)
	fmt.Fprintf(w, "  └─ Objects:         %d (%.0f%% moving)\n", cfg.Scene.Objects, cfg.Scene.MovingPercent*100)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Last Run:")
	rep, err := report.NewManager(cfg.Report.Path).Load()
	switch {
	case errors.Is(err, report.ErrReportNotFound):
		fmt.Fprintln(w, "  └─ No report yet (run 'framecore run' to create one)")
	case err != nil:
		fmt.Fprintf(w, "  └─ ❌ %v\n", err)
	default:
		fmt.Fprintf(w, "  ├─ Run ID:          %s\n", rep.RunID)
		fmt.Fprintf(w, "  ├─ Generated:       %s\n", rep.GeneratedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  ├─ Duration:        %s\n", rep.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "  ├─ Frames:          %d (%d failed)\n", rep.Renderer.Submitted, rep.Renderer.Failed)
		fmt.Fprintf(w, "  ├─ Jobs Executed:   %d\n", rep.Scheduler.Executed)
		fmt.Fprintf(w, "  └─ Pending Writes:  %v\n", rep.Renderer.Pending)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  ├─ Metrics:         ✅ http://localhost%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  ├─ Metrics:         ⚠️  Disabled")
	}
	if addr == "" {
		fmt.Fprintln(w, "  └─ Health:          not queried (use --addr)")
	} else {
		status, err := checkHealth(ctx, addr)
		if err != nil {
			fmt.Fprintf(w, "  └─ Health:          ❌ %v\n", err)
		} else {
			fmt.Fprintf(w, "  └─ Health:          %s\n", status)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

// exitCode maps a command error to a process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrInvalidConfig) {
		return 2
	}
	return 1
}

// Execute runs the command tree and exits with a non-zero status on error.
// An empty or "dev" version keeps the built-in one.
func Execute(version string) {
	root := BuildCLI()
	if version != "" && version != "dev" {
		root.Version = version
	}
	os.Exit(exitCode(root.Execute()))
}
