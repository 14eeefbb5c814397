// Package metrics provides Prometheus metrics for the discovery server.
//
// Metric naming:
//   - scanfleet_ prefix for all custom metrics
//   - _total suffix for counters
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// SessionCounter reports live sessions by phase.
type SessionCounter interface {
	CountByPhase() map[protocol.DiscoveryPhase]int
}

// StreamStats reports connected event stream subscribers.
type StreamStats interface {
	Connected() int
}

// Collector owns a registry and the discovery counters recorded into it.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsReaped   prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	scheduleFailures prometheus.Counter
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(sessions SessionCounter, streams StreamStats) *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanfleet_sessions_started_total",
			Help: "Total discovery sessions created.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanfleet_sessions_finished_total",
			Help: "Total discovery sessions reaching a terminal phase.",
		}, []string{"phase"}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanfleet_sessions_reaped_total",
			Help: "Total sessions force-failed after missing progress updates.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanfleet_dispatch_failures_total",
			Help: "Total failed push dispatch calls by operation.",
		}, []string{"op"}),
		scheduleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanfleet_schedule_registration_failures_total",
			Help: "Total cron registrations that failed and disabled a definition.",
		}),
	}

	c.registry.MustRegister(
		c.sessionsStarted,
		c.sessionsFinished,
		c.sessionsReaped,
		c.dispatchFailures,
		c.scheduleFailures,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scanfleet_uptime_seconds",
			Help: "Server uptime in seconds.",
		}, func() float64 { return time.Since(c.startTime).Seconds() }),
		collectors.NewGoCollector(),
	)
	if sessions != nil {
		c.registry.MustRegister(&phaseCollector{source: sessions})
	}
	if streams != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scanfleet_stream_subscribers",
			Help: "Current event stream subscribers.",
		}, func() float64 { return float64(streams.Connected()) }))
	}
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionStarted records a newly created session.
func (c *Collector) SessionStarted() { c.sessionsStarted.Inc() }

// SessionFinished records a session reaching a terminal phase.
func (c *Collector) SessionFinished(phase protocol.DiscoveryPhase) {
	c.sessionsFinished.WithLabelValues(string(phase)).Inc()
}

// SessionReaped records a stall-driven termination.
func (c *Collector) SessionReaped() { c.sessionsReaped.Inc() }

// DispatchFailed records a failed initiate or cancel call.
func (c *Collector) DispatchFailed(op string) {
	c.dispatchFailures.WithLabelValues(op).Inc()
}

// ScheduleRegistrationFailed records a cron registration failure.
func (c *Collector) ScheduleRegistrationFailed() { c.scheduleFailures.Inc() }

var activeSessionsDesc = prometheus.NewDesc(
	"scanfleet_active_sessions",
	"Live sessions held by the server, by phase.",
	[]string{"phase"}, nil,
)

// phaseCollector samples the session registry at scrape time.
type phaseCollector struct {
	source SessionCounter
}

func (p *phaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeSessionsDesc
}

func (p *phaseCollector) Collect(ch chan<- prometheus.Metric) {
	counts := p.source.CountByPhase()
	for _, phase := range protocol.AllPhases() {
		ch <- prometheus.MustNewConstMetric(activeSessionsDesc, prometheus.GaugeValue, float64(counts[phase]), string(phase))
	}
}
