// Package metrics exposes the bot's operational counters and gauges in
// Prometheus text exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cyclebot/internal/domain"
)

// Metrics holds every instrument the engine updates during operation.
// Instruments are registered on a private registry so tests can construct
// as many instances as they need.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	orders      *prometheus.CounterVec
	orderErrors *prometheus.CounterVec
	pauses      *prometheus.CounterVec
	recoveries  prometheus.Counter
	conflicts   prometheus.Counter
	deadlocks   prometheus.Counter

	capitalAvailable prometheus.Gauge
	btcAccumulated   prometheus.Gauge
	referencePrice   prometheus.Gauge
	athPrice         prometheus.Gauge
	purchasesLeft    prometheus.Gauge
	usdtDrift        prometheus.Gauge
	btcDrift         prometheus.Gauge
}

// New constructs and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_decisions_total",
			Help: "Trigger evaluations by side and outcome",
		}, []string{"side", "triggered"}),

		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed by side",
		}, []string{"side"}),

		orderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_order_errors_total",
			Help: "Failed order submissions by side",
		}, []string{"side"}),

		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_pauses_total",
			Help: "Strategy pauses by reason",
		}, []string{"reason"}),

		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_wal_recoveries_total",
			Help: "Incomplete order intents rolled back on startup",
		}),

		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_version_conflicts_total",
			Help: "Optimistic lock conflicts on cycle writes",
		}),

		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_deadlock_retries_total",
			Help: "Cycle writes retried after a deadlock",
		}),

		capitalAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_capital_available_usdt",
			Help: "Quote capital available for purchases",
		}),

		btcAccumulated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_btc_accumulated",
			Help: "Base asset held in the current cycle",
		}),

		referencePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_reference_price_usdt",
			Help: "Weighted average entry price of the position",
		}),

		athPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_ath_price_usdt",
			Help: "Highest observed price marker",
		}),

		purchasesLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_purchases_remaining",
			Help: "Tranches left in the current cycle",
		}),

		usdtDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_usdt_drift_ratio",
			Help: "Relative quote balance drift from the last reconciliation",
		}),

		btcDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_btc_drift_ratio",
			Help: "Relative base balance drift from the last reconciliation",
		}),
	}

	m.registry.MustRegister(
		m.decisions, m.orders, m.orderErrors, m.pauses,
		m.recoveries, m.conflicts, m.deadlocks,
		m.capitalAvailable, m.btcAccumulated, m.referencePrice,
		m.athPrice, m.purchasesLeft, m.usdtDrift, m.btcDrift,
	)

	return m
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one trigger evaluation.
func (m *Metrics) ObserveDecision(side string, triggered bool) {
	outcome := "false"
	if triggered {
		outcome = "true"
	}
	m.decisions.WithLabelValues(side, outcome).Inc()
}

// ObserveOrder counts one placed order.
func (m *Metrics) ObserveOrder(side string) { m.orders.WithLabelValues(side).Inc() }

// ObserveOrderError counts one failed order submission.
func (m *Metrics) ObserveOrderError(side string) { m.orderErrors.WithLabelValues(side).Inc() }

// ObservePause counts one strategy pause.
func (m *Metrics) ObservePause(reason string) { m.pauses.WithLabelValues(reason).Inc() }

// ObserveRecoveries counts order intents rolled back on startup.
func (m *Metrics) ObserveRecoveries(n int) { m.recoveries.Add(float64(n)) }

// ObserveVersionConflict counts one optimistic lock conflict.
func (m *Metrics) ObserveVersionConflict() { m.conflicts.Inc() }

// ObserveDeadlockRetry counts one deadlock retry.
func (m *Metrics) ObserveDeadlockRetry() { m.deadlocks.Inc() }

// ObserveCycle mirrors the cycle row into gauges.
func (m *Metrics) ObserveCycle(c *domain.Cycle) {
	m.capitalAvailable.Set(toFloat(c.CapitalAvailable))
	m.btcAccumulated.Set(toFloat(c.BTCAccumulated))
	m.referencePrice.Set(toFloat(c.ReferencePrice))
	m.athPrice.Set(toFloat(c.ATHPrice))
	m.purchasesLeft.Set(float64(c.PurchasesRemaining))
}

// ObserveDrift mirrors the last reconciliation into gauges.
func (m *Metrics) ObserveDrift(usdt, btc decimal.Decimal) {
	m.usdtDrift.Set(toFloat(usdt))
	m.btcDrift.Set(toFloat(btc))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
