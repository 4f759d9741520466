package proxywrap

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments a Listener updates. Pass one via
// Options to enable instrumentation; a nil Metrics disables it.
type Metrics struct {
	// Accepted counts raw connections accepted, before interception.
	Accepted prometheus.Counter

	// Proxied counts connections that resolved with a PROXY header.
	Proxied prometheus.Counter

	// PassedThrough counts connections delivered without a PROXY header.
	PassedThrough prometheus.Counter

	// Rejected counts connections terminated by interception,
	// labelled by reason: non_proxy, malformed, too_long, timeout, other.
	Rejected *prometheus.CounterVec

	// Active tracks currently open connections.
	Active prometheus.Gauge
}

// NewMetrics builds the instrument set and registers it on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxywrap_connections_accepted_total",
			Help: "Raw connections accepted, before PROXY header interception.",
		}),
		Proxied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxywrap_connections_proxied_total",
			Help: "Connections that carried a PROXY header.",
		}),
		PassedThrough: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxywrap_connections_passthrough_total",
			Help: "Connections delivered without a PROXY header.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxywrap_connections_rejected_total",
			Help: "Connections terminated during interception.",
		}, []string{"reason"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxywrap_connections_active",
			Help: "Currently open connections.",
		}),
	}
	reg.MustRegister(m.Accepted, m.Proxied, m.PassedThrough, m.Rejected, m.Active)
	return m
}
