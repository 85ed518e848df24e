package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared by the ledger, the custody
// service and the reconciliation monitor. Each instance owns its registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger
	LedgerOps         *prometheus.CounterVec
	LedgerBlockHeight prometheus.Gauge
	LedgerFeesBurned  prometheus.Counter

	// Custody
	CustodyOps     *prometheus.CounterVec
	CustodyHolds   prometheus.Gauge
	CustodyLatency *prometheus.HistogramVec

	// Reconciliation
	ReserveVirtual prometheus.Gauge
	ReserveActual  prometheus.Gauge
	ReserveRatio   prometheus.Gauge
	ReserveSolvent prometheus.Gauge
	ReserveChecks  *prometheus.CounterVec
}

// New creates and registers all collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		LedgerOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger calls by operation and outcome",
		}, []string{"operation", "outcome"}),

		LedgerBlockHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_block_height",
			Help:      "Index of the last block appended",
		}),

		LedgerFeesBurned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_fees_burned_total",
			Help:      "Smallest units removed from supply as fees",
		}),

		CustodyOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custody_operations_total",
			Help:      "Custodial wallet calls by operation and outcome",
		}, []string{"operation", "outcome"}),

		CustodyHolds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "custody_withdrawal_holds",
			Help:      "Withdrawals waiting on ledger settlement",
		}),

		CustodyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "custody_operation_duration_seconds",
			Help:      "Custodial wallet call latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),

		ReserveVirtual: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserve_virtual_total",
			Help:      "Sum of all virtual balances",
		}),

		ReserveActual: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserve_actual_total",
			Help:      "Ledger balance held by custody accounts",
		}),

		ReserveRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserve_ratio",
			Help:      "Actual over virtual, 1 when nothing is owed",
		}),

		ReserveSolvent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserve_solvent",
			Help:      "1 when actual covers virtual, else 0",
		}),

		ReserveChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_checks_total",
			Help:      "Reconciliation runs by outcome",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Outcome labels an operation result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
