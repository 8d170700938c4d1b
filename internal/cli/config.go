package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/logging"
	"github.com/ChuLiYu/framecore/internal/replica"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete configuration file.
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Renderer    RendererConfig    `yaml:"renderer"`
	Scene       SceneConfig       `yaml:"scene"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Log         LogConfig         `yaml:"log"`
	Report      ReportConfig      `yaml:"report"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	WorkerCount  int    `yaml:"worker_count"` // -1 = NumCPU-1
	WaitStrategy string `yaml:"wait_strategy"`
	PinWorkers   bool   `yaml:"pin_workers"`
	Strict       bool   `yaml:"strict"`
}

// RendererConfig configures the frame loop.
type RendererConfig struct {
	Replicas       int           `yaml:"replicas"`
	Slots          int           `yaml:"slots"`
	Frames         uint64        `yaml:"frames"` // 0 = until interrupted
	FrameTimeout   time.Duration `yaml:"frame_timeout"`
	BackendLatency time.Duration `yaml:"backend_latency"`
	BackendJitter  time.Duration `yaml:"backend_jitter"`
}

// SceneConfig configures the synthetic scene.
type SceneConfig struct {
	Objects       int     `yaml:"objects"`
	MovingPercent float64 `yaml:"moving_percent"`
	RespawnEvery  uint64  `yaml:"respawn_every"`
	Seed          uint64  `yaml:"seed"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DiagnosticsConfig configures the gRPC health endpoint.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReportConfig configures the run report.
type ReportConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the configuration used for keys missing from the file.
func DefaultConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{
			WorkerCount:  jobs.DefaultWorkerCount,
			WaitStrategy: string(jobs.WaitSpin),
		},
		Renderer: RendererConfig{
			Replicas:       3,
			Slots:          1024,
			Frames:         600,
			FrameTimeout:   time.Second,
			BackendLatency: 4 * time.Millisecond,
			BackendJitter:  2 * time.Millisecond,
		},
		Scene: SceneConfig{
			Objects:       1000,
			MovingPercent: 0.2,
			RespawnEvery:  30,
			Seed:          1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    ":50051",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Report: ReportConfig{
			Path: "data/report.json",
		},
	}
}

// Validate checks values a YAML decode cannot.
func (c *Config) Validate() error {
	if _, err := jobs.ParseWaitStrategy(c.Scheduler.WaitStrategy); err != nil {
		return fmt.Errorf("%w: scheduler.wait_strategy: %w", ErrInvalidConfig, err)
	}
	if c.Renderer.Replicas < 1 || c.Renderer.Replicas > replica.MaxReplicas {
		return fmt.Errorf("%w: renderer.replicas must be 1..%d, got %d",
			ErrInvalidConfig, replica.MaxReplicas, c.Renderer.Replicas)
	}
	if c.Renderer.Slots < 0 {
		return fmt.Errorf("%w: renderer.slots must not be negative", ErrInvalidConfig)
	}
	if c.Scene.Objects < 0 {
		return fmt.Errorf("%w: scene.objects must not be negative", ErrInvalidConfig)
	}
	if c.Scene.MovingPercent < 0 || c.Scene.MovingPercent > 1 {
		return fmt.Errorf("%w: scene.moving_percent must be within 0..1, got %g",
			ErrInvalidConfig, c.Scene.MovingPercent)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Report.Path == "" {
		return fmt.Errorf("%w: report.path is empty", ErrInvalidConfig)
	}
	return nil
}

// loadConfig reads path over DefaultConfig and validates the result.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
