// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors; one instance per process.
type Metrics struct {
	Registry *prometheus.Registry

	TradesOpened     *prometheus.CounterVec
	TradesClosed     *prometheus.CounterVec
	BracketsPlaced   prometheus.Counter
	BracketsRolledBack prometheus.Counter
	OrphansReaped    prometheus.Counter
	ResumeOutcomes   *prometheus.CounterVec
	LiveExecutors    prometheus.Gauge
	TickerEventsDropped prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TradesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_opened_total",
			Help: "Trades opened, by strategy.",
		}, []string{"strategy"}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_closed_total",
			Help: "Trades closed, by strategy and exit reason.",
		}, []string{"strategy", "exit_reason"}),
		BracketsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_brackets_placed_total",
			Help: "Bracket order groups placed successfully.",
		}),
		BracketsRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_brackets_rolled_back_total",
			Help: "Bracket placements aborted after partial failure.",
		}),
		OrphansReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_orphan_orders_reaped_total",
			Help: "Protective orders cancelled by the orphan reaper.",
		}),
		ResumeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_auto_resume_total",
			Help: "Auto-resume outcomes at boot.",
		}, []string{"outcome"}),
		LiveExecutors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_live_executors",
			Help: "Currently running strategy executors.",
		}),
		TickerEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticker_events_dropped_total",
			Help: "Ticker updates dropped because an executor queue was full.",
		}),
	}
}

// Nop returns a metrics bundle backed by a throwaway registry, for tests.
func Nop() *Metrics {
	return New()
}
