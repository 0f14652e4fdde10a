// Package metrics exposes Prometheus instrumentation for the trading core.
// Served on /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersPlaced counts order submissions by role (base, safety,
	// take_profit, liquidation).
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "orders_placed_total",
		Help:      "Orders submitted to the exchange, by role.",
	}, []string{"role"})

	// OrdersFilled counts full fills by role.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "orders_filled_total",
		Help:      "Orders fully filled, by role.",
	}, []string{"role"})

	// CyclesCompleted counts cycles that closed with a take-profit fill.
	CyclesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "cycles_completed_total",
		Help:      "Cycles completed by a take-profit fill.",
	})

	// CyclesFailed counts cycles that ended in failure or abort.
	CyclesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "cycles_failed_total",
		Help:      "Cycles ended without a take-profit fill, by outcome.",
	}, []string{"outcome"})

	// ExchangeErrors counts gateway errors by class.
	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "exchange_errors_total",
		Help:      "Exchange gateway errors, by class.",
	}, []string{"class"})

	// StreamReconnects counts WebSocket reconnections by stream kind.
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "stream_reconnects_total",
		Help:      "Exchange stream reconnections, by stream.",
	}, []string{"stream"})

	// HubClients tracks currently connected event hub clients.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dcabot",
		Name:      "hub_clients",
		Help:      "Connected WebSocket clients.",
	})

	// HubDropped counts events dropped because a client's send buffer was
	// full.
	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dcabot",
		Name:      "hub_dropped_messages_total",
		Help:      "Messages dropped on slow hub clients.",
	})
)
