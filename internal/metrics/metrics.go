// ============================================================================
// framecore Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露幀循環的運行指標，支持 Prometheus 監控
//
// Collector 實作各核心套件的 observer 介面，在建構時傳入：
//
//   jobs.Config{Observer: c}        -> framecore_jobs_*
//   events.NewBus(WithObserver(c))  -> framecore_events_*
//   renderer.WithQueueObserver(c)   -> framecore_replica_*
//   renderer.WithObserver(c)        -> framecore_frames_*
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - framecore_jobs_submitted_total: 提交任務總數
//      - framecore_jobs_finished_total: 完成任務總數
//      - framecore_events_dispatched_total{event}: 事件分派次數
//      - framecore_event_callbacks_total{event}: 監聽器回呼次數
//      - framecore_replica_mutations_total{queue}: 入隊變更數
//      - framecore_replica_writes_total{queue,half}: 副本寫入數
//      - framecore_replica_retired_total{queue}: 已寫入全部副本的記錄數
//      - framecore_frames_submitted_total{replica}: 提交幀數
//      - framecore_frames_failed_total: 失敗幀數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - framecore_job_latency_seconds: 提交到完成的延遲
//      - framecore_frame_backend_seconds: 每幀裝置耗時
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - framecore_jobs_pending: 尚未完成的任務數
//      - framecore_replica_pending{queue}: 尚未寫入全部副本的記錄數
//      - framecore_frames_in_flight: 進行中的幀數
//
// 常用查詢:
//
//   # 每秒完成任務數
//   rate(framecore_jobs_finished_total[1m])
//
//   # 裝置耗時 P95
//   histogram_quantile(0.95, rate(framecore_frame_backend_seconds_bucket[5m]))
//
//   # 尚未收斂的寫入
//   sum(framecore_replica_pending)
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/framecore/internal/logging"
)

const namespace = "framecore"

// Collector holds every framecore metric.
type Collector struct {
	gatherer prometheus.Gatherer

	jobsSubmitted prometheus.Counter
	jobsFinished  prometheus.Counter
	jobsPending   prometheus.Gauge
	jobLatency    prometheus.Histogram

	eventsDispatched *prometheus.CounterVec
	eventCallbacks   *prometheus.CounterVec

	replicaMutations *prometheus.CounterVec
	replicaWrites    *prometheus.CounterVec
	replicaRetired   *prometheus.CounterVec
	replicaPending   *prometheus.GaugeVec

	framesSubmitted *prometheus.CounterVec
	framesFailed    prometheus.Counter
	framesInFlight  prometheus.Gauge
	frameBackend    prometheus.Histogram
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh private registry. Handler serves whatever reg gathers when
// reg is also a prometheus.Gatherer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the scheduler",
		}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs whose subtree finished",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs submitted but not yet finished",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from submission until a job and its children finished",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of events dispatched, by event type",
		}, []string{"event"}),
		eventCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_callbacks_total",
			Help:      "Total number of listener callbacks invoked, by event type",
		}, []string{"event"}),
		replicaMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_mutations_total",
			Help:      "Total number of mutations enqueued, by queue",
		}, []string{"queue"}),
		replicaWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_writes_total",
			Help:      "Total number of replica writes, by queue and buffer half",
		}, []string{"queue", "half"}),
		replicaRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_retired_total",
			Help:      "Total number of records that reached every replica, by queue",
		}, []string{"queue"}),
		replicaPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_pending",
			Help:      "Records not yet written to every replica, by queue",
		}, []string{"queue"}),
		framesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_submitted_total",
			Help:      "Total number of frames handed to the backend, by replica",
		}, []string{"replica"}),
		framesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_failed_total",
			Help:      "Total number of frames the backend reported as failed",
		}),
		framesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_in_flight",
			Help:      "Frames submitted but not yet consumed by the backend",
		}),
		frameBackend: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_backend_seconds",
			Help:      "Backend time per frame",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobsPending,
		c.jobLatency,
		c.eventsDispatched,
		c.eventCallbacks,
		c.replicaMutations,
		c.replicaWrites,
		c.replicaRetired,
		c.replicaPending,
		c.framesSubmitted,
		c.framesFailed,
		c.framesInFlight,
		c.frameBackend,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// ============================================================================
// jobs.Observer
// ============================================================================

// JobSubmitted records a scheduler submission.
func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
	c.jobsPending.Inc()
}

// JobFinished records a finished job and its submit-to-finish latency.
func (c *Collector) JobFinished(latency time.Duration) {
	c.jobsFinished.Inc()
	c.jobsPending.Dec()
	c.jobLatency.Observe(latency.Seconds())
}

// ============================================================================
// events.Observer
// ============================================================================

// EventDispatched records one dispatch reaching listeners callbacks.
func (c *Collector) EventDispatched(event string, listeners int) {
	c.eventsDispatched.WithLabelValues(event).Inc()
	c.eventCallbacks.WithLabelValues(event).Add(float64(listeners))
}

// ============================================================================
// replica.Observer
// ============================================================================

// MutationEnqueued records a mutation entering queue.
func (c *Collector) MutationEnqueued(queue string) {
	c.replicaMutations.WithLabelValues(queue).Inc()
}

// BoundaryProcessed records the outcome of one replica boundary.
func (c *Collector) BoundaryProcessed(queue string, writes, shadowWrites, retired, pending int) {
	c.replicaWrites.WithLabelValues(queue, "current").Add(float64(writes))
	c.replicaWrites.WithLabelValues(queue, "shadow").Add(float64(shadowWrites))
	c.replicaRetired.WithLabelValues(queue).Add(float64(retired))
	c.replicaPending.WithLabelValues(queue).Set(float64(pending))
}

// ============================================================================
// renderer.Observer
// ============================================================================

// FrameSubmitted records a frame handed to the backend.
func (c *Collector) FrameSubmitted(replica int) {
	c.framesSubmitted.WithLabelValues(strconv.Itoa(replica)).Inc()
	c.framesInFlight.Inc()
}

// FrameCompleted records a frame the backend finished.
func (c *Collector) FrameCompleted(latency time.Duration, failed bool) {
	c.framesInFlight.Dec()
	c.frameBackend.Observe(latency.Seconds())
	if failed {
		c.framesFailed.Inc()
	}
}

// ============================================================================
// HTTP
// ============================================================================

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Logger().Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
