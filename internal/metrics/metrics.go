// Package metrics exposes Prometheus collectors for the machine broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the broker's metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	SessionsActive   prometheus.Gauge
	SessionRequests  *prometheus.CounterVec
	SessionTeardowns *prometheus.CounterVec
	FlagSubmissions  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vulnzero_sessions_active",
			Help: "Number of registered lab sessions.",
		}),
		SessionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vulnzero_session_requests_total",
			Help: "Session requests by outcome.",
		}, []string{"machine", "outcome"}),
		SessionTeardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vulnzero_session_teardowns_total",
			Help: "Session teardowns by reason and outcome.",
		}, []string{"reason", "outcome"}),
		FlagSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vulnzero_flag_submissions_total",
			Help: "Flag submissions by level and outcome.",
		}, []string{"level", "outcome"}),
	}
	reg.MustRegister(c.SessionsActive, c.SessionRequests, c.SessionTeardowns, c.FlagSubmissions)
	return c
}

// RegisterPortsInUse exposes a gauge sampled from inUse at scrape time.
func RegisterPortsInUse(reg prometheus.Registerer, inUse func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vulnzero_host_ports_in_use",
		Help: "Host ports currently reserved for lab sessions.",
	}, func() float64 { return float64(inUse()) }))
}

// RegisterStreamsOpen exposes a gauge of open status streams.
func RegisterStreamsOpen(reg prometheus.Registerer, open func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vulnzero_status_streams_open",
		Help: "Open websocket status streams.",
	}, func() float64 { return float64(open()) }))
}

// SetActive records the number of registered sessions.
func (c *Collectors) SetActive(n int) {
	if c == nil {
		return
	}
	c.SessionsActive.Set(float64(n))
}

// SessionRequested counts a request outcome.
func (c *Collectors) SessionRequested(machine, outcome string) {
	if c == nil {
		return
	}
	c.SessionRequests.WithLabelValues(machine, outcome).Inc()
}

// SessionTornDown counts a teardown outcome.
func (c *Collectors) SessionTornDown(reason, outcome string) {
	if c == nil {
		return
	}
	c.SessionTeardowns.WithLabelValues(reason, outcome).Inc()
}

// FlagSubmitted counts a flag submission outcome.
func (c *Collectors) FlagSubmitted(level, outcome string) {
	if c == nil {
		return
	}
	c.FlagSubmissions.WithLabelValues(level, outcome).Inc()
}
