// Package metrics exposes the gate's Prometheus collectors and the metrics
// HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by the gate components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	verdicts            *prometheus.CounterVec
	consensusOutcomes   *prometheus.CounterVec
	ledgerHeight        prometheus.Gauge
	pendingTransactions prometheus.Gauge
	liveKeys            prometheus.Gauge
	authorizedTargets   prometheus.Gauge
	lockdown            prometheus.Gauge
}

// NewMetrics creates the collectors under namespace and registers them.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_verdicts_total",
			Help:      "Command gate verdicts by outcome and reason.",
		}, []string{"verdict", "reason"}),
		consensusOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_outcomes_total",
			Help:      "Resolved consensus decisions by state and operation class.",
		}, []string{"state", "class"}),
		ledgerHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_height",
			Help:      "Block number of the ledger tail.",
		}),
		pendingTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending_transactions",
			Help:      "Unconfirmed, non-stale ledger transactions.",
		}),
		liveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keystore_ephemeral_keys",
			Help:      "Ephemeral keys held by the keystore.",
		}),
		authorizedTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authorized_targets",
			Help:      "Targets currently authorized.",
		}),
		lockdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lockdown",
			Help:      "1 while the gate is in lockdown.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.verdicts, m.consensusOutcomes, m.ledgerHeight, m.pendingTransactions,
		m.liveKeys, m.authorizedTargets, m.lockdown,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveVerdict(verdict, reason string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict, reason).Inc()
}

func (m *Metrics) ObserveConsensus(state, class string) {
	if m == nil {
		return
	}
	m.consensusOutcomes.WithLabelValues(state, class).Inc()
}

func (m *Metrics) SetLedger(height uint64, pending int) {
	if m == nil {
		return
	}
	m.ledgerHeight.Set(float64(height))
	m.pendingTransactions.Set(float64(pending))
}

func (m *Metrics) SetLiveKeys(n int) {
	if m == nil {
		return
	}
	m.liveKeys.Set(float64(n))
}

func (m *Metrics) SetAuthorizedTargets(n int) {
	if m == nil {
		return
	}
	m.authorizedTargets.Set(float64(n))
}

func (m *Metrics) SetLockdown(active bool) {
	if m == nil {
		return
	}
	if active {
		m.lockdown.Set(1)
	} else {
		m.lockdown.Set(0)
	}
}
