package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification pipeline.
type Metrics struct {
	// Terminal outcomes: complete, failed, timeout, abandoned
	Outcomes *prometheus.CounterVec

	// Submission latency from ingress to terminal state
	VerifyLatency prometheus.Histogram

	// Outbound fetch latency by kind: credential, report
	FetchLatency *prometheus.HistogramVec

	ActiveFetches prometheus.Gauge
	QueueDepth    *prometheus.GaugeVec
	EngineErrors  prometheus.Counter
}

// NewMetrics registers the pipeline metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caxe_submissions_total",
			Help: "Verification submissions by terminal outcome",
		}, []string{"outcome"}),

		VerifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "caxe_verify_duration_seconds",
			Help:    "Time from submission ingress to terminal state",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),

		FetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caxe_fetch_duration_seconds",
			Help:    "Duration of outbound fetches by kind",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),

		ActiveFetches: f.NewGauge(prometheus.GaugeOpts{
			Name: "caxe_fetches_active",
			Help: "Outbound fetch tasks currently registered with the scheduler",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caxe_queue_depth",
			Help: "Submissions held per pipeline queue after each tick",
		}, []string{"queue"}),

		EngineErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "caxe_engine_errors_total",
			Help: "Errors reported by the verification engine while processing messages",
		}),
	}
}

func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveVerifyLatency(d time.Duration) {
	if m != nil {
		m.VerifyLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveFetchLatency(kind string, d time.Duration) {
	if m != nil {
		m.FetchLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) SetActiveFetches(n int64) {
	if m != nil {
		m.ActiveFetches.Set(float64(n))
	}
}

func (m *Metrics) SetQueueDepths(s Stats) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("incoming").Set(float64(s.Incoming))
	m.QueueDepth.WithLabelValues("fetch_dispatched").Set(float64(s.FetchDispatched))
	m.QueueDepth.WithLabelValues("awaiting").Set(float64(s.Awaiting))
	m.QueueDepth.WithLabelValues("ready").Set(float64(s.Ready))
}

func (m *Metrics) IncrementEngineErrors(n int) {
	if m != nil {
		m.EngineErrors.Add(float64(n))
	}
}
