// Package metrics exposes per-node Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/flowbus/internal/runtime/ids"
	"github.com/drblury/flowbus/internal/runtime/status"
)

const namespace = "flowbus"

// Metrics holds the collectors shared by every node of a process.
type Metrics struct {
	mu sync.Mutex

	received      *prometheus.CounterVec
	sent          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	state         *prometheus.GaugeVec
	deliverySecs  *prometheus.HistogramVec
	sendSecs      *prometheus.HistogramVec
	messageAgeSec *prometheus.HistogramVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates collectors bound to registry. A nil registry uses the
// Prometheus default registry.
func New(registry *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if registry != nil {
		registerer, gatherer = registry, registry
	}

	return &Metrics{
		registerer: registerer,
		gatherer:   gatherer,
		received:   newCounterVec("receiver", "messages_total", "Messages delivered to the flow", []string{"node", "endpoint"}),
		sent:       newCounterVec("sender", "messages_total", "Messages accepted by the backend", []string{"node", "endpoint"}),
		failures:   newCounterVec("node", "errors_total", "Failures by operation", []string{"node", "op"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "state",
			Help:      "Current node state (0 disconnected, 1 connected, 2 active, 3 error)",
		}, []string{"node"}),
		deliverySecs:  newHistogramVec("receiver", "delivery_duration_seconds", "Time to decode and forward one message", prometheus.DefBuckets, []string{"node"}),
		sendSecs:      newHistogramVec("sender", "send_duration_seconds", "Time spent in one backend send", prometheus.DefBuckets, []string{"node"}),
		messageAgeSec: newHistogramVec("receiver", "message_age_seconds", "Age of a message at delivery, from its ULID timestamp", []float64{0.01, 0.1, 1, 5, 30, 60, 300, 3600}, []string{"node"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.sent,
		m.failures,
		m.state,
		m.deliverySecs,
		m.sendSecs,
		m.messageAgeSec,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordDelivery records one message forwarded to the flow. messageID is
// used to derive the message age when it is a ULID.
func (m *Metrics) RecordDelivery(node, endpoint, messageID string, took time.Duration) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(node, endpoint).Inc()
	m.deliverySecs.WithLabelValues(node).Observe(took.Seconds())
	if sentAt, ok := ids.Time(messageID); ok {
		if age := time.Since(sentAt); age >= 0 {
			m.messageAgeSec.WithLabelValues(node).Observe(age.Seconds())
		}
	}
}

// RecordSend records one successful backend send.
func (m *Metrics) RecordSend(node, endpoint string, took time.Duration) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(node, endpoint).Inc()
	m.sendSecs.WithLabelValues(node).Observe(took.Seconds())
}

// RecordFailure counts a failure of op ("bind", "send", "receive", ...).
func (m *Metrics) RecordFailure(node, op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(node, op).Inc()
}

// StatusObserver mirrors status transitions into the state gauge.
func (m *Metrics) StatusObserver() status.Observer {
	return status.ObserverFunc(func(s status.Snapshot) {
		if m == nil {
			return
		}
		m.state.WithLabelValues(s.Node).Set(float64(s.State))
	})
}
