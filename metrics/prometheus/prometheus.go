// Package prometheus adapts metrics.Listener onto
// github.com/prometheus/client_golang counters and histograms, the
// same metrics library github.com/dalemusser/waffle wires through its
// services.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pushmetrics "github.com/jchambers/pushy-go/metrics"
)

// Listener is a metrics.Listener backed by Prometheus collectors. The
// zero value is not usable; construct with New.
type Listener struct {
	writeFailures   *prometheus.CounterVec
	sent            *prometheus.CounterVec
	acknowledged    *prometheus.CounterVec
	ackDuration     prometheus.Histogram
	connAdded       prometheus.Counter
	connRemoved     prometheus.Counter
	connCreateFail  prometheus.Counter
}

// New builds a Listener and registers its collectors with reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func New(reg prometheus.Registerer) *Listener {
	l := &Listener{
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushy_write_failures_total",
			Help: "Notifications that could not be sent at all, by topic.",
		}, []string{"topic"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushy_notifications_sent_total",
			Help: "Notifications fully written to the wire, by topic.",
		}, []string{"topic"}),
		acknowledged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushy_notifications_acknowledged_total",
			Help: "Notifications acknowledged by APNs, by outcome.",
		}, []string{"outcome"}),
		ackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pushy_notification_ack_duration_seconds",
			Help:    "Time from submit to outcome resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		connAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushy_connections_added_total",
			Help: "Connections that reached the Ready state.",
		}),
		connRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushy_connections_removed_total",
			Help: "Connections that left the pool.",
		}),
		connCreateFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushy_connection_creation_failures_total",
			Help: "Dial/handshake attempts that did not reach Ready.",
		}),
	}

	reg.MustRegister(
		l.writeFailures, l.sent, l.acknowledged, l.ackDuration,
		l.connAdded, l.connRemoved, l.connCreateFail,
	)

	return l
}

func (l *Listener) WriteFailure(topic string) { l.writeFailures.WithLabelValues(topic).Inc() }

func (l *Listener) NotificationSent(topic string) { l.sent.WithLabelValues(topic).Inc() }

func (l *Listener) NotificationAcknowledged(outcome string, duration time.Duration) {
	l.acknowledged.WithLabelValues(outcome).Inc()
	l.ackDuration.Observe(duration.Seconds())
}

func (l *Listener) ConnectionAdded() { l.connAdded.Inc() }

func (l *Listener) ConnectionRemoved() { l.connRemoved.Inc() }

func (l *Listener) ConnectionCreationFailed() { l.connCreateFail.Inc() }

var _ pushmetrics.Listener = (*Listener)(nil)
