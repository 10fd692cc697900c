package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge

	Requests         *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	CacheEvents      *prometheus.CounterVec
	DegradedRuns     prometheus.Counter
	DetectorFailures *prometheus.CounterVec
	DetectorLatency  *prometheus.HistogramVec
	DroppedBoxes     prometheus.Counter
	EstimatedValue   prometheus.Counter
	PersistFailures  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recycle_requests_total",
			Help: "Requests received per surface",
		}, []string{"surface"}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recycle_pipeline_runs_total",
			Help: "Completed pipeline runs per detection mode",
		}, []string{"mode"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recycle_cache_events_total",
			Help: "Result cache hits, misses and flushes",
		}, []string{"event"}),
		DegradedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recycle_degraded_runs_total",
			Help: "Pipeline runs that lost at least one detector",
		}),
		DetectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recycle_detector_failures_total",
			Help: "Detector failures per source and kind",
		}, []string{"source", "kind"}),
		DetectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recycle_detector_seconds",
			Help:    "Detector call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		DroppedBoxes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recycle_degenerate_boxes_total",
			Help: "Detections dropped for a non-positive width or height",
		}),
		EstimatedValue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recycle_estimated_value_total",
			Help: "Sum of estimated prices returned",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recycle_persist_failures_total",
			Help: "Detection records that could not be stored",
		}),
	}
	m.Registry.MustRegister(
		m.memUsage, m.cpuUsage,
		m.Requests, m.PipelineRuns, m.CacheEvents, m.DegradedRuns,
		m.DetectorFailures, m.DetectorLatency, m.DroppedBoxes,
		m.EstimatedValue, m.PersistFailures,
	)
	return m
}

func (m *Metrics) IncRequest(surface string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(surface).Inc()
}

func (m *Metrics) ObserveRun(mode string, degraded bool, value float64) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(mode).Inc()
	if degraded {
		m.DegradedRuns.Inc()
	}
	if value > 0 {
		m.EstimatedValue.Add(value)
	}
}

func (m *Metrics) CacheEvent(event string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) DetectorFailure(source, kind string) {
	if m == nil {
		return
	}
	m.DetectorFailures.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) ObserveDetector(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.DetectorLatency.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) DroppedBox() {
	if m == nil {
		return
	}
	m.DroppedBoxes.Inc()
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// CheckProcessInfo samples RSS and CPU of this process into the gauges.
func (m *Metrics) CheckProcessInfo(proc *process.Process) {
	if m == nil || proc == nil {
		return
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process stats until ctx is done.
func StartMon(ctx context.Context, port int, m *Metrics, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("process stats unavailable", zap.Error(err))
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo(proc)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown", zap.Error(err))
	}
}
