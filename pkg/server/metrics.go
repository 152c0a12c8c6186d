package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/buddychat/pkg/protocol"
)

// Metrics holds the server's Prometheus collectors. It also receives events
// from the presence registry and the user store.
type Metrics struct {
	registry *prometheus.Registry

	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	formatErrors      prometheus.Counter
	activeSessions    prometheus.Gauge
	onlineUsers       prometheus.Gauge
	mailboxDepth      prometheus.Gauge
	snapshots         *prometheus.CounterVec
	snapshotDuration  prometheus.Histogram
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddychat_envelopes_received_total",
			Help: "Frames received from clients, by command",
		}, []string{"cmd"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddychat_envelopes_sent_total",
			Help: "Envelopes written to clients, by command",
		}, []string{"cmd"}),
		formatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buddychat_format_errors_total",
			Help: "Malformed frames and envelopes",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buddychat_active_sessions",
			Help: "Open connections, authenticated or not",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buddychat_online_users",
			Help: "Users with a live session",
		}),
		mailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buddychat_mailbox_depth",
			Help: "Envelopes queued for offline users",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddychat_snapshots_total",
			Help: "Store snapshots written, by result",
		}, []string{"result"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buddychat_snapshot_duration_seconds",
			Help:    "Time spent flushing and backing up the store",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.envelopesReceived,
		m.envelopesSent,
		m.formatErrors,
		m.activeSessions,
		m.onlineUsers,
		m.mailboxDepth,
		m.snapshots,
		m.snapshotDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEnvelopeReceived(cmd protocol.Command) {
	m.envelopesReceived.WithLabelValues(cmd.String()).Inc()
}

func (m *Metrics) RecordEnvelopeSent(cmd protocol.Command) {
	m.envelopesSent.WithLabelValues(cmd.String()).Inc()
}

func (m *Metrics) RecordFormatError() {
	m.formatErrors.Inc()
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetOnlineUsers implements presence.Metrics.
func (m *Metrics) SetOnlineUsers(n int) {
	m.onlineUsers.Set(float64(n))
}

// SetMailboxDepth implements presence.Metrics.
func (m *Metrics) SetMailboxDepth(n int) {
	m.mailboxDepth.Set(float64(n))
}

// RecordSnapshot implements database.Metrics.
func (m *Metrics) RecordSnapshot(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshots.WithLabelValues(result).Inc()
	m.snapshotDuration.Observe(d.Seconds())
}
