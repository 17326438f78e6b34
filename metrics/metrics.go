/*
Package metrics exposes ledger activity as Prometheus collectors.

METRICS:
  loan_ledger_payments_total{mode}                  payments committed
  loan_ledger_payment_amount_total{component}       interest / principal / unapplied
  loan_ledger_accruals_total{policy}                accruals committed
  loan_ledger_accrued_interest_total                interest charged
  loan_ledger_sweeps_total{status}                  finished sweeps
  loan_ledger_sweep_duration_seconds                sweep wall time
  loan_ledger_sweep_loans{outcome}                  per-outcome counts of the last sweep
  loan_ledger_outbox_tasks_total{kind,result}       derived-update tasks processed

USAGE:
  m := metrics.New(prometheus.NewRegistry())
  l := ledger.New(store, ledger.WithObserver(m))
  router.Handle("/metrics", m.Handler())

Amounts are exported as float64; they are for dashboards only.
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/loan-ledger/ledger"
)

const namespace = "loan_ledger"

// Collector implements ledger.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	payments      *prometheus.CounterVec
	paymentAmount *prometheus.CounterVec
	accruals      *prometheus.CounterVec
	accrued       prometheus.Counter
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepLoans    *prometheus.GaugeVec
	tasks         *prometheus.CounterVec
}

var _ ledger.Observer = (*Collector)(nil)

// New registers the collectors on reg. A *prometheus.Registry is also used
// as the gatherer for Handler; any other registerer falls back to the
// default gatherer.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gatherer: prometheus.DefaultGatherer,
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payments committed, by allocation mode.",
		}, []string{"mode"}),
		paymentAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_amount_total",
			Help:      "Money received, by the component it was applied to.",
		}, []string{"component"}),
		accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accruals_total",
			Help:      "Accruals committed, by accrual policy.",
		}, []string{"policy"}),
		accrued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accrued_interest_total",
			Help:      "Interest charged by accruals.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Accrual sweeps finished, by run status.",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of an accrual sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		sweepLoans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_loans",
			Help:      "Loans per outcome in the most recent sweep.",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_tasks_total",
			Help:      "Outbox tasks processed, by kind and result.",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(c.payments, c.paymentAmount, c.accruals, c.accrued,
		c.sweeps, c.sweepDuration, c.sweepLoans, c.tasks)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// ledger.Observer
// =============================================================================

func (c *Collector) PaymentApplied(p *ledger.Payment) {
	c.payments.WithLabelValues(string(p.Mode)).Inc()
	c.paymentAmount.WithLabelValues("interest").Add(p.InterestPaid.Float64())
	c.paymentAmount.WithLabelValues("principal").Add(p.PrincipalPaid.Float64())
	if p.UnappliedAmount.IsPositive() {
		c.paymentAmount.WithLabelValues("unapplied").Add(p.UnappliedAmount.Float64())
	}
}

func (c *Collector) LoanAccrued(a *ledger.Accrual) {
	c.accruals.WithLabelValues(string(a.Policy)).Inc()
	c.accrued.Add(a.Amount.Float64())
}

func (c *Collector) SweepCompleted(run *ledger.AccrualRun, elapsed time.Duration) {
	c.sweeps.WithLabelValues(string(run.Status)).Inc()
	c.sweepDuration.Observe(elapsed.Seconds())
	c.sweepLoans.WithLabelValues("eligible").Set(float64(run.Eligible))
	c.sweepLoans.WithLabelValues("accrued").Set(float64(run.Accrued))
	c.sweepLoans.WithLabelValues("skipped").Set(float64(run.Skipped))
	c.sweepLoans.WithLabelValues("failed").Set(float64(run.Failed))
}

func (c *Collector) TaskProcessed(kind ledger.TaskKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.tasks.WithLabelValues(string(kind), result).Inc()
}
