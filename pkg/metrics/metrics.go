// Package metrics exposes the Prometheus collectors the recovery engine
// updates during operation:
//   - apex_scan_cycles_total{result}            – scan loop iterations (ok|error)
//   - apex_component_failures_total{component}  – isolated per-cycle component failures
//   - apex_reconciliation_total{outcome}        – matched/imported/closed per recovery pass
//   - apex_checkpoint_failures_total            – failed checkpoint writes (degraded crash-safety)
//   - apex_stream_events_dropped_total          – order-stream queue overflow drops
//   - apex_stream_reconnects_total              – websocket reconnect attempts
//   - apex_risk_alerts_total                    – positions with lapsed protective coverage
//   - apex_manual_orders_recovered_total        – orders journaled by manual-order recovery
//   - apex_stale_orders_canceled_total          – stale pending entries canceled by watchdog
//   - apex_open_positions                       – current open position count (gauge)
//
// Served at /metrics in Prometheus text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ScanCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_scan_cycles_total",
			Help: "Scan loop iterations by result",
		},
		[]string{"result"},
	)

	ComponentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_component_failures_total",
			Help: "Per-cycle component failures, isolated by the loop",
		},
		[]string{"component"},
	)

	Reconciliation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_reconciliation_total",
			Help: "Position reconciliation outcomes",
		},
		[]string{"outcome"},
	)

	CheckpointFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_checkpoint_failures_total",
			Help: "Failed checkpoint writes; trading continues without crash-safety",
		},
	)

	StreamEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_stream_events_dropped_total",
			Help: "Order-stream events dropped on queue overflow",
		},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_stream_reconnects_total",
			Help: "Order-stream reconnect attempts",
		},
	)

	RiskAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_risk_alerts_total",
			Help: "Open positions detected without live protective coverage",
		},
	)

	ManualOrdersRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_manual_orders_recovered_total",
			Help: "Orders placed outside the system journaled by recovery",
		},
	)

	StaleOrdersCanceled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_stale_orders_canceled_total",
			Help: "Stale pending entry orders canceled by the watchdog",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_open_positions",
			Help: "Currently open positions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScanCycles,
		ComponentFailures,
		Reconciliation,
		CheckpointFailures,
		StreamEventsDropped,
		StreamReconnects,
		RiskAlerts,
		ManualOrdersRecovered,
		StaleOrdersCanceled,
		OpenPositions,
	)
}
