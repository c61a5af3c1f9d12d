package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perpetual_mode"

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	evaluations     prometheus.Counter
	invalidScores   prometheus.Counter
	scoreFailures   prometheus.Counter
	suspensions     prometheus.Counter
	resumptions     prometheus.Counter
	operatorToggles prometheus.Counter
	ordersPlaced    prometheus.Counter
	ordersRejected  prometheus.Counter
	ordersFailed    prometheus.Counter
	marketScore     prometheus.Gauge
	tradingActive   prometheus.Gauge
	operatorEnabled prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		evaluations:     newCounter("evaluations_total", "Total number of accepted market condition evaluations."),
		invalidScores:   newCounter("invalid_scores_total", "Total number of rejected out of range scores."),
		scoreFailures:   newCounter("score_failures_total", "Total number of evaluation ticks skipped because no score was available."),
		suspensions:     newCounter("suspensions_total", "Total number of automatic trading suspensions."),
		resumptions:     newCounter("resumptions_total", "Total number of automatic trading resumptions."),
		operatorToggles: newCounter("operator_toggles_total", "Total number of operator toggle changes."),
		ordersPlaced:    newCounter("orders_placed_total", "Total number of orders placed."),
		ordersRejected:  newCounter("orders_rejected_total", "Total number of orders refused while trading was suspended."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of order placement failures."),
		marketScore:     newGauge("market_condition_score", "Last accepted market condition score."),
		tradingActive:   newGauge("trading_active", "1 when automated trading is permitted."),
		operatorEnabled: newGauge("operator_enabled", "1 when the operator toggle is on."),
	}
	p.registry.MustRegister(
		p.evaluations, p.invalidScores, p.scoreFailures,
		p.suspensions, p.resumptions, p.operatorToggles,
		p.ordersPlaced, p.ordersRejected, p.ordersFailed,
		p.marketScore, p.tradingActive, p.operatorEnabled,
	)
	p.Metrics = &Metrics{
		Evaluations:     p.evaluations,
		InvalidScores:   p.invalidScores,
		ScoreFailures:   p.scoreFailures,
		Suspensions:     p.suspensions,
		Resumptions:     p.resumptions,
		OperatorToggles: p.operatorToggles,
		OrdersPlaced:    p.ordersPlaced,
		OrdersRejected:  p.ordersRejected,
		OrdersFailed:    p.ordersFailed,
		MarketScore:     p.marketScore,
		TradingActive:   p.tradingActive,
		OperatorEnabled: p.operatorEnabled,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
