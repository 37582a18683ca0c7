// Package metrics defines the Prometheus collectors shared by receivers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded per inbound unit.
const (
	OutcomeRejectedAuth      = "rejected_auth"
	OutcomeRejectedDecode    = "rejected_decode"
	OutcomeSSLCheck          = "ssl_check"
	OutcomeURLVerification   = "url_verification"
	OutcomeAcknowledged      = "acknowledged"
	OutcomeUnacknowledged    = "unacknowledged"
	OutcomeFailed            = "failed"
	OutcomeContractViolation = "contract_violation"
)

// AckBuckets covers the platform's three second acknowledgment window.
var AckBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 3, 5}

var (
	// EventsTotal counts inbound units by receiver and outcome.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltgate_events_total",
			Help: "Inbound events by outcome",
		},
		[]string{"receiver", "outcome"},
	)

	// AckLatency records the time from event construction to acknowledgment.
	AckLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boltgate_ack_latency_seconds",
			Help:    "Acknowledgment latency",
			Buckets: AckBuckets,
		},
		[]string{"receiver"},
	)

	// AckTimeoutsTotal counts events the watchdog reported as unacknowledged.
	AckTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltgate_ack_timeouts_total",
			Help: "Events not acknowledged in time",
		},
		[]string{"receiver"},
	)

	// InstallRequestsTotal counts install page and OAuth callback requests.
	InstallRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltgate_install_requests_total",
			Help: "Install flow requests",
		},
		[]string{"step", "status"},
	)

	// SocketConnectionsTotal counts socket connection attempts by result.
	SocketConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltgate_socket_connections_total",
			Help: "Socket connection attempts",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		AckLatency,
		AckTimeoutsTotal,
		InstallRequestsTotal,
		SocketConnectionsTotal,
	)
}

// ObserveOutcome records the final outcome of one inbound unit.
func ObserveOutcome(receiver, outcome string) {
	EventsTotal.WithLabelValues(receiver, outcome).Inc()
}

// ObserveAck records acknowledgment latency.
func ObserveAck(receiver string, latency time.Duration) {
	AckLatency.WithLabelValues(receiver).Observe(latency.Seconds())
}

// AckTimeoutHook returns a watchdog hook counting timeouts for receiver.
func AckTimeoutHook(receiver string) func() {
	return func() {
		AckTimeoutsTotal.WithLabelValues(receiver).Inc()
	}
}
