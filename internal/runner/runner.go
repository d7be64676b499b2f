// Package runner executes the billing batch: one sequential pass over all
// processable contracts, with per-contract failure isolation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/billrun/internal/clock"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/billrun/internal/observability/metrics"
	"github.com/smallbiznis/billrun/internal/processor"
	"github.com/smallbiznis/billrun/internal/warehouse"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_runner_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Contracts   contractdomain.Repository
	Warehouse   warehouse.Executor
	InvoiceProc *processor.Invoice
	ClaimProc   *processor.Claim
	Config      Config `optional:"true"`
}

// Service is the invocation surface: full batch runs, per-contract dry
// runs, and query-plan debugging.
type Service struct {
	log         *zap.Logger
	clock       clock.Clock
	cfg         Config
	contracts   contractdomain.Repository
	warehouse   warehouse.Executor
	invoiceProc *processor.Invoice
	claimProc   *processor.Claim
}

func New(p Params) (*Service, error) {
	if p.Log == nil || p.Clock == nil || p.Contracts == nil || p.Warehouse == nil || p.InvoiceProc == nil || p.ClaimProc == nil {
		return nil, ErrInvalidConfig
	}
	return &Service{
		log:         p.Log.Named("runner").With(zap.String("component", "runner")),
		clock:       p.Clock,
		cfg:         p.Config.withDefaults(),
		contracts:   p.Contracts,
		warehouse:   p.Warehouse,
		invoiceProc: p.InvoiceProc,
		claimProc:   p.ClaimProc,
	}, nil
}

// RunReport is the typed result of one batch run. The runner completes
// every contract regardless of individual failures; per-contract errors
// are reported here and persisted on the failing rule.
type RunReport struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Contracts  int               `json:"contracts"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Run executes the full batch. StartTime is captured once and anchors
// the shared retry budget for every contract in the run. Only listing
// and rule-error clearing failures propagate; contract failures never do.
func (s *Service) Run(ctx context.Context) (*RunReport, error) {
	start := s.clock.Now()
	metrics := obsmetrics.Runner()
	metrics.IncRun()

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: start,
		Errors:    make(map[string]string),
	}
	log := s.log.With(zap.String("run_id", report.RunID))
	log.Info("runner.run.start", zap.Time("started_at", start))

	if err := s.contracts.ClearRuleErrors(ctx); err != nil {
		return nil, fmt.Errorf("clear rule errors: %w", err)
	}

	ids, err := s.contracts.ListProcessableIDs(ctx, start, s.cfg.InactiveGrace)
	if err != nil {
		return nil, fmt.Errorf("list processable contracts: %w", err)
	}
	report.Contracts = len(ids)

	budget := processor.NewRetryBudget(start, s.cfg.RetryBudget)
	for _, id := range ids {
		if err := s.processContract(ctx, log, id, budget); err != nil {
			report.Failed++
			report.Errors[id.String()] = err.Error()
			metrics.IncContract("failed")
			continue
		}
		report.Succeeded++
		metrics.IncContract("succeeded")
	}

	report.FinishedAt = s.clock.Now()
	metrics.ObserveRunDuration(report.FinishedAt.Sub(start))
	log.Info("runner.run.finish",
		zap.Int("contracts", report.Contracts),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int64("duration_ms", report.FinishedAt.Sub(start).Milliseconds()),
	)
	return report, nil
}

// RunForever runs batches on the configured interval until ctx ends.
func (s *Service) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Run(ctx); err != nil {
			s.log.Warn("runner.run.failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
