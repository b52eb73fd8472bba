// Package metrics wires Prometheus counters/gauges around the window and
// transport internals: a small set of package-level collectors registered
// once, incremented from deep inside the hot path with no allocation per
// call. Absorbed protocol errors (duplicates, malformed packets) surface
// here instead of vanishing silently.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TXWPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "txw",
		Name:      "pushes_total",
		Help:      "Total packets pushed into the transmit window.",
	})
	TXWForcedAdvances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "txw",
		Name:      "forced_advances_total",
		Help:      "Total times a full transmit window forced the trail forward (lapping receivers).",
	})

	RXWDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "rxw",
		Name:      "duplicates_total",
		Help:      "Total duplicate or obsolete packets discarded by the receive window.",
	})
	RXWNaksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "rxw",
		Name:      "naks_sent_total",
		Help:      "Total NAKs the receive window scheduled for transmission.",
	})
	RXWLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "rxw",
		Name:      "lost_total",
		Help:      "Total sequence numbers declared LOST: NAK retries exhausted, passed by the peer's advertised trail, or forced out by window overflow.",
	})
	RXWDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "rxw",
		Name:      "apdus_delivered_total",
		Help:      "Total APDUs delivered to the application in order.",
	})

	PeersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pgm",
		Subsystem: "transport",
		Name:      "peers_active",
		Help:      "Current number of peers with live state in this transport.",
	})
	PeersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgm",
		Subsystem: "transport",
		Name:      "peers_expired_total",
		Help:      "Total peers destroyed after peer_expiry of silence.",
	})
)

// MustRegister registers all of this package's collectors against reg. It
// panics on a duplicate registration, matching prometheus.MustRegister's own
// contract; call it once per process (or per isolated registry in tests).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TXWPushes,
		TXWForcedAdvances,
		RXWDuplicates,
		RXWNaksSent,
		RXWLost,
		RXWDelivered,
		PeersActive,
		PeersExpired,
	)
}
