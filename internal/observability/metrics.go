package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveGenerations  prometheus.Gauge
	Generations        *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	OutputBytes        prometheus.Histogram
	TTSRequests        *prometheus.CounterVec
	ChatRequests       *prometheus.CounterVec
	AssetRequests      *prometheus.CounterVec
	Cleanups           *prometheus.CounterVec
	EventSubscribers   prometheus.Gauge

	window *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveGenerations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_generations",
			Help:      "Number of lip-sync model runs in progress.",
		}),
		Generations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Lip-sync generations by outcome.",
		}, []string{"outcome"}),
		GenerationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of lip-sync model runs.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		OutputBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_output_bytes",
			Help:      "Size of generated videos.",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 2, 10),
		}),
		TTSRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_total",
			Help:      "Text-to-speech proxy requests by response status.",
		}, []string{"status"}),
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat completion proxy requests by response status.",
		}, []string{"status"}),
		AssetRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_requests_total",
			Help:      "Character asset requests by kind and result.",
		}, []string{"kind", "result"}),
		Cleanups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_cleanups_total",
			Help:      "Removed generation outputs by trigger.",
		}, []string{"trigger"}),
		EventSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Connected generation event websocket clients.",
		}),
		window: NewStageWindow(256),
	}
}

// ObserveStage records a latency sample for the rolling window served at
// /api/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(stage, durationMS(d))
}

// SetStageTargets replaces the p95 goals reported next to each stage.
func (m *Metrics) SetStageTargets(targets map[string]time.Duration) {
	if m == nil {
		return
	}
	m.window.SetTargets(targets)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.window.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
