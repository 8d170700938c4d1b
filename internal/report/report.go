// ============================================================================
// framecore Run Report - 運行報告持久化
// ============================================================================
//
// Package: internal/report
// 文件: report.go
// 功能: 保存一次幀循環運行的摘要，讓進程結束後 `framecore status` 仍可查看
//
// 原子寫入:
//   1. 將報告序列化為縮排 JSON
//   2. 寫入 <path>.tmp
//   3. 以 rename 覆蓋 <path>
//   讀取方只會看到舊報告或新報告，不會看到寫到一半的文件。
//
// 版本控制:
//   Write 時寫入 SchemaVer，Load 時檢查；
//   版本不相容的報告回傳 ErrIncompatibleVersion。
//
// ============================================================================

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/renderer"
)

// SchemaVersion is the report format this build reads and writes.
const SchemaVersion = 1

var (
	// ErrCorruptedReport is returned by Load for a file that is not valid JSON.
	ErrCorruptedReport = errors.New("run report is corrupted")
	// ErrIncompatibleVersion is returned by Load for another schema version.
	ErrIncompatibleVersion = errors.New("run report schema version is incompatible")
	// ErrReportNotFound is returned by Load when no report has been written.
	ErrReportNotFound = errors.New("run report not found")
)

// Report summarises one run.
type Report struct {
	SchemaVer   int               `json:"schema_ver"`
	RunID       string            `json:"run_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Duration    time.Duration     `json:"duration_ns"`
	Scheduler   jobs.Stats        `json:"scheduler"`
	Workers     []jobs.WorkerInfo `json:"workers"`
	Renderer    renderer.Stats    `json:"renderer"`
	Listeners   map[string]int    `json:"listeners"`
	Respawned   uint64            `json:"respawned"`
}

// Manager reads and writes the report file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the report at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the report file path.
func (m *Manager) Path() string { return m.path }

// Write stores r atomically, creating the parent directory if needed.
func (m *Manager) Write(r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SchemaVer = SchemaVersion
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report.
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	return r, nil
}

// Exists reports whether a report file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
