package cli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/report"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "framecore", cmd.Use, "Root command should be 'framecore'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["stress"], "Should have 'stress' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestSubcommandFlags(t *testing.T) {
	tests := []struct {
		name   string
		cmd    func() *cobra.Command
		flag   string
		defval string
	}{
		{"run frames", buildRunCommand, "frames", "-1"},
		{"stress jobs", buildStressCommand, "jobs", "10000"},
		{"stress seed", buildStressCommand, "seed", "1"},
		{"status addr", buildStatusCommand, "addr", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tt.cmd()
			assert.NotNil(t, cmd.RunE, "RunE function should be set")
			f := cmd.Flags().Lookup(tt.flag)
			require.NotNil(t, f, "Should have --%s flag", tt.flag)
			assert.Equal(t, tt.defval, f.DefValue)
		})
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeConfig(t, `
scheduler:
  worker_count: 4
  wait_strategy: block
  pin_workers: true

renderer:
  replicas: 2
  slots: 64
  frames: 10
  frame_timeout: 250ms
  backend_latency: 1ms
  backend_jitter: 500us

scene:
  objects: 32
  moving_percent: 0.5
  respawn_every: 5
  seed: 7

metrics:
  enabled: true
  addr: ":8080"

diagnostics:
  enabled: true
  addr: "127.0.0.1:7000"

log:
  level: debug
  format: json

report:
  path: "./out/report.json"
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, 4, cfg.Scheduler.WorkerCount)
	assert.Equal(t, "block", cfg.Scheduler.WaitStrategy)
	assert.True(t, cfg.Scheduler.PinWorkers)
	assert.False(t, cfg.Scheduler.Strict)

	assert.Equal(t, 2, cfg.Renderer.Replicas)
	assert.Equal(t, 64, cfg.Renderer.Slots)
	assert.Equal(t, uint64(10), cfg.Renderer.Frames)
	assert.Equal(t, 250*time.Millisecond, cfg.Renderer.FrameTimeout)
	assert.Equal(t, time.Millisecond, cfg.Renderer.BackendLatency)
	assert.Equal(t, 500*time.Microsecond, cfg.Renderer.BackendJitter)

	assert.Equal(t, 32, cfg.Scene.Objects)
	assert.Equal(t, 0.5, cfg.Scene.MovingPercent)
	assert.Equal(t, uint64(5), cfg.Scene.RespawnEvery)
	assert.Equal(t, uint64(7), cfg.Scene.Seed)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":8080", cfg.Metrics.Addr)
	assert.True(t, cfg.Diagnostics.Enabled)
	assert.Equal(t, "127.0.0.1:7000", cfg.Diagnostics.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "./out/report.json", cfg.Report.Path)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
scheduler:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(configPath)

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileUsesDefaults(t *testing.T) {
	configPath := writeConfig(t, "")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	configPath := writeConfig(t, `
renderer:
  replicas: 4
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, 4, cfg.Renderer.Replicas)
	assert.Equal(t, def.Renderer.Slots, cfg.Renderer.Slots, "unset keys keep their defaults")
	assert.Equal(t, def.Renderer.FrameTimeout, cfg.Renderer.FrameTimeout)
	assert.Equal(t, def.Scheduler, cfg.Scheduler)
	assert.Equal(t, def.Report, cfg.Report)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero replicas", func(c *Config) { c.Renderer.Replicas = 0 }, "renderer.replicas"},
		{"too many replicas", func(c *Config) { c.Renderer.Replicas = 33 }, "renderer.replicas"},
		{"max replicas", func(c *Config) { c.Renderer.Replicas = 32 }, ""},
		{"negative slots", func(c *Config) { c.Renderer.Slots = -1 }, "renderer.slots"},
		{"negative objects", func(c *Config) { c.Scene.Objects = -1 }, "scene.objects"},
		{"moving over one", func(c *Config) { c.Scene.MovingPercent = 1.5 }, "scene.moving_percent"},
		{"wait strategy", func(c *Config) { c.Scheduler.WaitStrategy = "sleep" }, "scheduler.wait_strategy"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"report path", func(c *Config) { c.Report.Path = "" }, "report.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 2, exitCode(err))
		})
	}
}

func TestTreeShapeSize(t *testing.T) {
	assert.Equal(t, int64(1), treeShape{fanout: 3, depth: 0}.size())
	assert.Equal(t, int64(4), treeShape{fanout: 3, depth: 1}.size())
	assert.Equal(t, int64(13), treeShape{fanout: 3, depth: 2}.size())
	assert.Equal(t, int64(3), treeShape{fanout: 1, depth: 2}.size())
}

func TestRunStressBalanced(t *testing.T) {
	for _, workers := range []int{0, 3} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			sched := jobs.NewScheduler(jobs.Config{WorkerCount: workers})
			require.NoError(t, sched.Start())
			defer sched.Shutdown()

			res := runStress(context.Background(), sched, 200, 9)

			assert.True(t, res.Balanced(), "%+v", res)
			assert.Equal(t, res.Expected, res.Ran)
			assert.Equal(t, uint64(res.Expected), res.Stats.Created)
			assert.Equal(t, 200, res.Roots)
		})
	}
}

func TestStressCommand(t *testing.T) {
	configPath := writeConfig(t, `
scheduler:
  worker_count: 2
log:
  level: error
`)

	out, err := execute(t, "-c", configPath, "stress", "--jobs", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "balanced")
	assert.NotContains(t, out, "unbalanced")
}

func TestRunCommandWritesReport(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "reports", "run.json")
	configPath := writeConfig(t, fmt.Sprintf(`
scheduler:
  worker_count: 2
renderer:
  replicas: 3
  slots: 16
  frames: 100
  backend_latency: 0s
  backend_jitter: 0s
scene:
  objects: 16
  moving_percent: 0.5
  respawn_every: 4
metrics:
  enabled: true
  addr: "127.0.0.1:0"
diagnostics:
  enabled: true
  addr: "127.0.0.1:0"
log:
  level: error
report:
  path: %q
`, reportPath))

	out, err := execute(t, "-c", configPath, "run", "--frames", "12")
	require.NoError(t, err)
	assert.Contains(t, out, "12 submitted, 12 completed, 0 failed")

	rep, err := report.NewManager(reportPath).Load()
	require.NoError(t, err)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, uint64(12), rep.Renderer.Submitted)
	assert.Equal(t, uint64(12), rep.Renderer.Completed)
	assert.Equal(t, uint64(2), rep.Respawned, "frames 4 and 8")
	assert.Equal(t, rep.Scheduler.Created, rep.Scheduler.Released)
	assert.Len(t, rep.Workers, 2)
	assert.Contains(t, rep.Renderer.Pending, "transforms")
}

func TestRunCommandRejectsInvalidConfig(t *testing.T) {
	configPath := writeConfig(t, `
renderer:
  replicas: 0
`)

	_, err := execute(t, "-c", configPath, "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStatusWithoutReport(t *testing.T) {
	configPath := writeConfig(t, fmt.Sprintf("report:\n  path: %q\n", filepath.Join(t.TempDir(), "none.json")))

	out, err := execute(t, "-c", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "framecore Status")
	assert.Contains(t, out, "No report yet")
	assert.Contains(t, out, "not queried")
}

func TestStatusShowsReport(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.NewManager(reportPath).Write(report.Report{RunID: "run-123"}))
	configPath := writeConfig(t, fmt.Sprintf("report:\n  path: %q\n", reportPath))

	out, err := execute(t, "-c", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "run-123")
}

func TestDiagnosticsHealth(t *testing.T) {
	addr := freeAddr(t)
	d := newDiagnostics()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, addr) }()

	require.Eventually(t, func() bool {
		status, err := checkHealth(context.Background(), addr)
		return err == nil && status == healthpb.HealthCheckResponse_NOT_SERVING
	}, 3*time.Second, 20*time.Millisecond)

	d.setServing(true)
	status, err := checkHealth(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("diagnostics server did not stop")
	}
}

func TestCheckHealthUnreachable(t *testing.T) {
	status, err := checkHealth(context.Background(), freeAddr(t))
	assert.Error(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, status)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(os.ErrNotExist))
	assert.Equal(t, 2, exitCode(fmt.Errorf("load: %w", ErrInvalidConfig)))
}

// ============================================================================
// helpers
// ============================================================================

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "Failed to write test config file")
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
