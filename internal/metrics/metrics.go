// Package metrics exposes the bot's Prometheus instrumentation. A nil
// *Metrics is a valid no-op recorder, so callers never branch on whether
// metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "basis_vault_bot"

type Metrics struct {
	utilizeCycles        prometheus.Counter
	deutilizeCycles      prometheus.Counter
	rebalancesDown       prometheus.Counter
	rebalancesUp         prometheus.Counter
	emergencyDeleverages prometheus.Counter
	rehedges             prometheus.Counter
	feeKeeps             prometheus.Counter
	deviationFlags       prometheus.Counter
	withdrawalsProcessed prometheus.Counter

	leverage     prometheus.Gauge
	spotExposure prometheus.Gauge
	hedgeSize    prometheus.Gauge
	idleAssets   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		})
	}
	return &Metrics{
		utilizeCycles:        counter("utilize_cycles_total", "Completed utilization cycles."),
		deutilizeCycles:      counter("deutilize_cycles_total", "Completed deutilization cycles."),
		rebalancesDown:       counter("rebalances_down_total", "Collateral additions to reduce leverage."),
		rebalancesUp:         counter("rebalances_up_total", "Collateral withdrawals to raise leverage."),
		emergencyDeleverages: counter("emergency_deleverages_total", "Forced size reductions past the safe margin."),
		rehedges:             counter("rehedges_total", "Hedge size corrections against spot exposure."),
		feeKeeps:             counter("fee_keeps_total", "Funding/borrowing fee settlements."),
		deviationFlags:       counter("deviation_flags_total", "Material execution deviations detected."),
		withdrawalsProcessed: counter("withdrawals_processed_total", "Withdrawal processing passes that moved assets."),
		leverage:             gauge("hedge_leverage", "Current hedge position leverage."),
		spotExposure:         gauge("spot_exposure_tokens", "Spot product exposure in tokens."),
		hedgeSize:            gauge("hedge_size_tokens", "Hedge position size in tokens."),
		idleAssets:           gauge("ledger_idle_assets", "Idle assets held by the vault."),
	}
}

func (m *Metrics) IncUtilizeCycle() {
	if m != nil {
		m.utilizeCycles.Inc()
	}
}

func (m *Metrics) IncDeutilizeCycle() {
	if m != nil {
		m.deutilizeCycles.Inc()
	}
}

func (m *Metrics) IncRebalanceDown() {
	if m != nil {
		m.rebalancesDown.Inc()
	}
}

func (m *Metrics) IncRebalanceUp() {
	if m != nil {
		m.rebalancesUp.Inc()
	}
}

func (m *Metrics) IncEmergencyDeleverage() {
	if m != nil {
		m.emergencyDeleverages.Inc()
	}
}

func (m *Metrics) IncRehedge() {
	if m != nil {
		m.rehedges.Inc()
	}
}

func (m *Metrics) IncFeeKeep() {
	if m != nil {
		m.feeKeeps.Inc()
	}
}

func (m *Metrics) IncDeviationFlag() {
	if m != nil {
		m.deviationFlags.Inc()
	}
}

func (m *Metrics) IncWithdrawalsProcessed() {
	if m != nil {
		m.withdrawalsProcessed.Inc()
	}
}

func (m *Metrics) ObserveState(leverage, spotExposure, hedgeSize, idleAssets decimal.Decimal) {
	if m == nil {
		return
	}
	m.leverage.Set(leverage.InexactFloat64())
	m.spotExposure.Set(spotExposure.InexactFloat64())
	m.hedgeSize.Set(hedgeSize.InexactFloat64())
	m.idleAssets.Set(idleAssets.InexactFloat64())
}
