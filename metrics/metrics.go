// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. All collectors are registered on
// the Registerer passed to New, so embedding applications keep control of
// their registry.
type Metrics struct {
	LocksOpened   prometheus.Counter
	LockDepth     prometheus.Gauge
	Operations    *prometheus.CounterVec
	OperationErrs *prometheus.CounterVec
	OpenDebts     prometheus.Gauge
	PoolsTracked  prometheus.Gauge
	EventsEmitted prometheus.Counter
}

// New creates and registers the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LocksOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rangeledger",
			Name:      "locks_opened_total",
			Help:      "Number of lock contexts opened.",
		}),
		LockDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangeledger",
			Name:      "lock_depth",
			Help:      "Current depth of the lock context stack.",
		}),
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangeledger",
			Name:      "operations_total",
			Help:      "Pool and ledger operations executed, by operation.",
		}, []string{"op"}),
		OperationErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangeledger",
			Name:      "operation_errors_total",
			Help:      "Failed operations, by operation.",
		}, []string{"op"}),
		OpenDebts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangeledger",
			Name:      "open_debts",
			Help:      "Currencies with nonzero debt in the active context.",
		}),
		PoolsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangeledger",
			Name:      "pools_tracked",
			Help:      "Number of pools known to the engine.",
		}),
		EventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rangeledger",
			Name:      "events_emitted_total",
			Help:      "Journal events emitted.",
		}),
	}
}
