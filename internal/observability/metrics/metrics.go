// Package metrics exposes prometheus instruments for the billing runner.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SubmissionOutcomeCreated    = "created"
	SubmissionOutcomeConflict   = "conflict"
	SubmissionOutcomeTransient  = "transient"
	SubmissionOutcomeFatal      = "fatal"
	SubmissionOutcomeReconciled = "reconciled"
)

// RunnerMetrics captures billing batch health signals.
type RunnerMetrics struct {
	runs            prometheus.Counter
	runDuration     prometheus.Observer
	contracts       *prometheus.CounterVec
	ruleErrors      prometheus.Counter
	transactions    *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submissionRetry prometheus.Counter
	budgetExhausted prometheus.Counter
	reconciliations *prometheus.CounterVec
}

var (
	runnerMetricsOnce sync.Once
	runnerMetrics     *RunnerMetrics
)

// Runner returns the singleton runner metrics registry.
func Runner() *RunnerMetrics {
	runnerMetricsOnce.Do(func() {
		runnerMetrics = newRunnerMetrics(prometheus.DefaultRegisterer)
	})
	return runnerMetrics
}

// ResetRunnerMetricsForTest resets the runner metrics singleton for tests.
func ResetRunnerMetricsForTest() {
	runnerMetricsOnce = sync.Once{}
	runnerMetrics = nil
}

func newRunnerMetrics(registerer prometheus.Registerer) *RunnerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billrun_runs_total",
		Help: "Full billing batch runs.",
	})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "billrun_run_duration_seconds",
		Help:    "Billing batch run latency.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 28800},
	})
	contracts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billrun_contracts_total",
		Help: "Contracts processed by outcome.",
	}, []string{"outcome"})
	ruleErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billrun_rule_errors_total",
		Help: "Rule processing errors persisted for operator triage.",
	})
	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billrun_transactions_total",
		Help: "Billing transactions inserted by type.",
	}, []string{"type"})
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billrun_claim_submissions_total",
		Help: "Clearinghouse create-encounter calls by outcome.",
	}, []string{"outcome"})
	submissionRetry := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billrun_claim_submission_retries_total",
		Help: "Transient clearinghouse failures retried with backoff.",
	})
	budgetExhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billrun_retry_budget_exhausted_total",
		Help: "Runs whose shared retry budget ran out.",
	})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billrun_claim_reconciliations_total",
		Help: "Idempotency conflict reconciliations by resolution.",
	}, []string{"resolution"})

	for _, collector := range []prometheus.Collector{
		runs, runDuration, contracts, ruleErrors,
		transactions, submissions, submissionRetry, budgetExhausted, reconciliations,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &RunnerMetrics{
		runs:            runs,
		runDuration:     runDuration,
		contracts:       contracts,
		ruleErrors:      ruleErrors,
		transactions:    transactions,
		submissions:     submissions,
		submissionRetry: submissionRetry,
		budgetExhausted: budgetExhausted,
		reconciliations: reconciliations,
	}
}

func (m *RunnerMetrics) IncRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func (m *RunnerMetrics) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *RunnerMetrics) IncContract(outcome string) {
	if m == nil {
		return
	}
	m.contracts.WithLabelValues(outcome).Inc()
}

func (m *RunnerMetrics) IncRuleError() {
	if m == nil {
		return
	}
	m.ruleErrors.Inc()
}

func (m *RunnerMetrics) AddTransactions(txnType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.transactions.WithLabelValues(txnType).Add(float64(count))
}

func (m *RunnerMetrics) IncSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *RunnerMetrics) IncSubmissionRetry() {
	if m == nil {
		return
	}
	m.submissionRetry.Inc()
}

func (m *RunnerMetrics) IncBudgetExhausted() {
	if m == nil {
		return
	}
	m.budgetExhausted.Inc()
}

func (m *RunnerMetrics) IncReconciliation(resolution string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(resolution).Inc()
}
