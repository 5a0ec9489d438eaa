// Package metrics exports Prometheus instrumentation for the engine. All
// collectors are registered on a private registry so tests can run many
// engines in one process without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced     *prometheus.CounterVec // account, side
	OrdersRejected   *prometheus.CounterVec // account, code
	Exits            *prometheus.CounterVec // account, reason
	CopyEvents       *prometheus.CounterVec // follower, outcome
	OpenPositions    *prometheus.GaugeVec   // account
	EquityUSD        *prometheus.GaugeVec   // account
	RealizedPnLUSD   *prometheus.CounterVec // account
	CycleDuration    *prometheus.HistogramVec
	SafetyViolations prometheus.Counter
	KillSwitchTrips  prometheus.Counter
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_orders_placed_total",
			Help: "Orders successfully placed, by account and side.",
		}, []string{"account", "side"}),

		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_orders_rejected_total",
			Help: "Orders refused by the risk gate or the venue, by error code.",
		}, []string{"account", "code"}),

		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_exits_total",
			Help: "Position exits by account and reason.",
		}, []string{"account", "reason"}),

		CopyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_copy_events_total",
			Help: "Copy-trade replications by follower and outcome.",
		}, []string{"follower", "outcome"}),

		OpenPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apex_open_positions",
			Help: "Currently open positions per account.",
		}, []string{"account"}),

		EquityUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apex_equity_usd",
			Help: "Last observed total equity per account.",
		}, []string{"account"}),

		RealizedPnLUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_realized_pnl_usd_total",
			Help: "Cumulative realized PnL magnitude in USD, split by gain/loss direction.",
		}, []string{"account", "direction"}),

		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apex_cycle_duration_seconds",
			Help:    "Wall-clock duration of one account scan cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"account"}),

		SafetyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apex_safety_violations_total",
			Help: "Cleanup runs that ended with positions still over the hard cap.",
		}),

		KillSwitchTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apex_kill_switch_trips_total",
			Help: "Times the kill switch engaged.",
		}),
	}

	m.registry.MustRegister(
		m.OrdersPlaced, m.OrdersRejected, m.Exits, m.CopyEvents,
		m.OpenPositions, m.EquityUSD, m.RealizedPnLUSD, m.CycleDuration,
		m.SafetyViolations, m.KillSwitchTrips,
	)
	return m
}

// RecordRealized folds a signed realized PnL into the counter pair.
func (m *Metrics) RecordRealized(account string, usd float64) {
	if usd >= 0 {
		m.RealizedPnLUSD.WithLabelValues(account, "gain").Add(usd)
	} else {
		m.RealizedPnLUSD.WithLabelValues(account, "loss").Add(-usd)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
