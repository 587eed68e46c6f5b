package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for archive runs and monitor
// connections. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	stageEntered    *prometheus.CounterVec
	segmentsTotal   prometheus.Counter
	bytesTotal      prometheus.Counter
	runDuration     prometheus.Histogram
	triggersTotal   prometheus.Counter
	sourceConnected *prometheus.GaugeVec

	mu          sync.Mutex
	lastTrigger time.Time
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodkeeper_runs_started_total",
			Help: "Archive runs started",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodkeeper_runs_finished_total",
			Help: "Archive runs finished, by error category (empty on success)",
		}, []string{"error"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vodkeeper_active_runs",
			Help: "Archive runs currently in progress",
		}),
		stageEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodkeeper_stage_entered_total",
			Help: "Pipeline stage transitions",
		}, []string{"stage"}),
		segmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodkeeper_segments_downloaded_total",
			Help: "Media segments written to disk",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodkeeper_segment_bytes_total",
			Help: "Bytes of media segments written to disk",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vodkeeper_run_duration_seconds",
			Help:    "Wall time of archive runs",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}),
		triggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodkeeper_monitor_triggers_total",
			Help: "Stream online events that started an archive run",
		}),
		sourceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vodkeeper_monitor_source_connected",
			Help: "1 while the monitor source holds a live connection",
		}, []string{"source"}),
	}
	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.activeRuns,
		m.stageEntered,
		m.segmentsTotal,
		m.bytesTotal,
		m.runDuration,
		m.triggersTotal,
		m.sourceConnected,
	)
	return m
}

func (m *Metrics) StageEntered(stage string) {
	if m == nil {
		return
	}
	if stage == "pending" {
		m.runsStarted.Inc()
		m.activeRuns.Inc()
	}
	m.stageEntered.WithLabelValues(stage).Inc()
}

func (m *Metrics) SegmentDownloaded(bytes int64) {
	if m == nil {
		return
	}
	m.segmentsTotal.Inc()
	m.bytesTotal.Add(float64(bytes))
}

func (m *Metrics) RunFinished(errKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(errKind).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SourceState(source string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.sourceConnected.WithLabelValues(source).Set(v)
}

func (m *Metrics) Triggered() {
	if m == nil {
		return
	}
	m.triggersTotal.Inc()
	m.mu.Lock()
	m.lastTrigger = time.Now()
	m.mu.Unlock()
}

// LastTrigger is the time of the most recent monitor trigger, zero if none.
func (m *Metrics) LastTrigger() time.Time {
	if m == nil {
		return time.Time{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTrigger
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
