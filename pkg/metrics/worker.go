package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics records queue worker throughput and depth.
type WorkerMetrics struct {
	up      prometheus.Gauge
	batches *prometheus.CounterVec
	events  *prometheus.CounterVec
	depth   *prometheus.GaugeVec
}

// NewWorkerMetrics registers the worker metrics on the provided registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		return &WorkerMetrics{}
	}
	up := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_up",
		Help: "Whether the worker loop is running.",
	})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_batches_total",
		Help: "Claimed batches processed, including empty polls.",
	}, []string{"worker"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_events_total",
		Help: "Individual queue items dispatched.",
	}, []string{"worker", "kind"})
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Non-terminal items per queue.",
	}, []string{"queue"})
	reg.MustRegister(up, batches, events, depth)
	return &WorkerMetrics{
		up:      up,
		batches: batches,
		events:  events,
		depth:   depth,
	}
}

// SetUp records whether the loop is running.
func (m *WorkerMetrics) SetUp(running bool) {
	if m == nil || m.up == nil {
		return
	}
	if running {
		m.up.Set(1)
		return
	}
	m.up.Set(0)
}

// IncBatch counts one completed claim round for the named worker.
func (m *WorkerMetrics) IncBatch(worker string) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.WithLabelValues(normalizeLabel(worker)).Inc()
}

// IncEvent counts one dispatched item.
func (m *WorkerMetrics) IncEvent(worker, kind string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(worker), normalizeLabel(kind)).Inc()
}

// SetQueueDepth records the current depth of the named queue.
func (m *WorkerMetrics) SetQueueDepth(queue string, depth float64) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.WithLabelValues(normalizeLabel(queue)).Set(depth)
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
