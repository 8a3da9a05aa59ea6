package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dispatcher collectors. A nil *Metrics is valid and
// records nothing, so callers never need to guard.
type Metrics struct {
	// DispatchTotal counts dispatches by kind (plan, command, utility) and status.
	DispatchTotal *prometheus.CounterVec
	// DispatchDuration is the latency from dispatch to finish.
	DispatchDuration *prometheus.HistogramVec
	// PlanBytes tracks serialized plan sizes by form (compressed, uncompressed).
	PlanBytes *prometheus.HistogramVec
	// MessagesSent counts query messages written to segment connections.
	MessagesSent prometheus.Counter
	// SegmentErrors counts per-segment failures by error category.
	SegmentErrors *prometheus.CounterVec
	// Cancels counts segment connections cancelled mid-statement.
	Cancels prometheus.Counter
	// WorkerBatches is the number of worker batches per dispatch.
	WorkerBatches prometheus.Histogram
	// SlicesPerPlan is the number of dispatched slices per plan.
	SlicesPerPlan prometheus.Histogram
	// SendLatency is the time spent writing one message to one segment.
	SendLatency prometheus.Histogram
	// InFlight is the number of live dispatcher states.
	InFlight prometheus.Gauge
}

// New registers the dispatcher collectors on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatched statements",
			},
			[]string{"kind", "status"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatch latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		PlanBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_bytes",
				Help:      "Serialized plan size in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
			},
			[]string{"form"},
		),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of query messages sent to segments",
		}),
		SegmentErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segment_errors_total",
				Help:      "Total number of segment failures",
			},
			[]string{"category"},
		),
		Cancels: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_cancels_total",
			Help:      "Total number of segment connections cancelled",
		}),
		WorkerBatches: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_batches",
			Help:      "Worker batches per dispatch",
			Buckets:   prometheus.LinearBuckets(1, 4, 8),
		}),
		SlicesPerPlan: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slices_per_plan",
			Help:      "Dispatched slices per plan",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		SendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of one message send in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "states_in_flight",
			Help:      "Dispatcher states not yet destroyed",
		}),
	}
}

func (m *Metrics) ObserveDispatch(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, status).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObservePlan(compressed, uncompressed int) {
	if m == nil {
		return
	}
	m.PlanBytes.WithLabelValues("compressed").Observe(float64(compressed))
	m.PlanBytes.WithLabelValues("uncompressed").Observe(float64(uncompressed))
}

func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) IncSegmentError(category string) {
	if m == nil {
		return
	}
	m.SegmentErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) IncCancel() {
	if m == nil {
		return
	}
	m.Cancels.Inc()
}

func (m *Metrics) ObserveBatches(n int) {
	if m == nil {
		return
	}
	m.WorkerBatches.Observe(float64(n))
}

func (m *Metrics) ObserveSlices(n int) {
	if m == nil {
		return
	}
	m.SlicesPerPlan.Observe(float64(n))
}

func (m *Metrics) ObserveSend(d time.Duration) {
	if m == nil {
		return
	}
	m.SendLatency.Observe(d.Seconds())
}

func (m *Metrics) StateOpened() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) StateClosed() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
