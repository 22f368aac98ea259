// Package metrics wraps the five Prometheus series the core agent loop,
// channel adapters, and cron service emit. It is deliberately small: unlike
// internal/observability's broad HTTP/DB/session surface (built for the
// teacher's gateway, which this module does not carry), this package only
// instruments the operations SPEC_FULL.md names.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors. A nil *Metrics is safe to call
// every method on (all become no-ops), so components can be constructed and
// tested without a registry.
type Metrics struct {
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	toolCallsTotal   *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
	cronFiresTotal   *prometheus.CounterVec
}

// New registers the Nexus metric collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// processes in one binary) or nil to use the default global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_agent_turns_total",
			Help: "Total agent turns processed, by channel.",
		}, []string{"channel"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_agent_turn_duration_seconds",
			Help:    "Agent turn duration in seconds, from process_direct entry to reply.",
			Buckets: prometheus.DefBuckets,
		}, nil),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_tool_calls_total",
			Help: "Total tool invocations, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		reconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_channel_reconnects_total",
			Help: "Total channel adapter reconnect attempts, by channel.",
		}, []string{"channel"}),
		cronFiresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_cron_fires_total",
			Help: "Total cron job fires, by outcome status.",
		}, []string{"status"}),
	}
}

// TurnStarted increments the turn counter for channel.
func (m *Metrics) TurnStarted(channel string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(channel).Inc()
}

// ObserveTurnDuration records how long a process_direct call took.
func (m *Metrics) ObserveTurnDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues().Observe(d.Seconds())
}

// ToolCalled records a tool invocation outcome ("ok" or "error").
func (m *Metrics) ToolCalled(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// ChannelReconnected records a reconnect attempt for channel.
func (m *Metrics) ChannelReconnected(channel string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(channel).Inc()
}

// CronFired records a cron job fire with its outcome status ("ok",
// "error", "skipped").
func (m *Metrics) CronFired(status string) {
	if m == nil {
		return
	}
	m.cronFiresTotal.WithLabelValues(status).Inc()
}
