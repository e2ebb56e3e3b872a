package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	TradesSettled   *prometheus.CounterVec
	MatchLatency    *prometheus.HistogramVec
	CommissionTaken *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_placed_total",
				Help: "Total orders accepted onto the book.",
			},
			[]string{"symbol", "side"},
		),
		OrdersCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_cancelled_total",
				Help: "Total open orders cancelled by their owner.",
			},
			[]string{"symbol", "side"},
		),
		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_rejected_total",
				Help: "Total order placements rejected before reservation.",
			},
			[]string{"reason"},
		),
		TradesSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trades_settled_total",
				Help: "Total trades settled.",
			},
			[]string{"symbol"},
		),
		MatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_match_latency_seconds",
				Help:    "Match attempt latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"symbol"},
		),
		CommissionTaken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_commission_total",
				Help: "Total commission collected, in cash units.",
			},
			[]string{"symbol"},
		),
	}

	registry.MustRegister(m.OrdersPlaced, m.OrdersCancelled, m.OrdersRejected, m.TradesSettled, m.MatchLatency, m.CommissionTaken)
	return m
}

func (m *Metrics) IncPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) IncCancelled(symbol, side string) {
	if m == nil {
		return
	}
	m.OrdersCancelled.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMatch(symbol string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MatchLatency.WithLabelValues(symbol).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTrade(symbol string, commission float64) {
	if m == nil {
		return
	}
	m.TradesSettled.WithLabelValues(symbol).Inc()
	m.CommissionTaken.WithLabelValues(symbol).Add(commission)
}
