package runner

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/billrun/internal/observability/metrics"
	"github.com/smallbiznis/billrun/internal/processor"
	"github.com/smallbiznis/billrun/internal/rowschema"
	"github.com/smallbiznis/billrun/internal/rulequery"
	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	"go.uber.org/zap"
)

// processContract runs one contract end to end and converts any failure
// into a persisted rule diagnostic. The returned error is for the run
// report only; it must never unwind the batch loop.
func (s *Service) processContract(ctx context.Context, log *zap.Logger, id snowflake.ID, budget *processor.RetryBudget) error {
	contract, err := s.contracts.GetByID(ctx, id)
	if err != nil {
		log.Error("runner.contract.load.failed",
			zap.String("contract_id", id.String()),
			zap.Error(err),
		)
		return err
	}

	if _, err := s.runContract(ctx, log, contract, budget, false); err != nil {
		s.recordRuleError(ctx, log, contract, err)
		return err
	}
	return nil
}

// runContract resolves the rule, renders and executes its query, and
// routes validated rows to the matching processor. With dryRun set,
// nothing is persisted and no external submission happens.
func (s *Service) runContract(ctx context.Context, log *zap.Logger, contract *contractdomain.BillingContract, budget *processor.RetryBudget, dryRun bool) ([]*txndomain.BillingTransaction, error) {
	rule := contract.EffectiveRule(contractdomain.DefaultRule())
	rendered := rulequery.Render(rule.Query, renderContext(contract))

	raw, err := s.warehouse.Query(ctx, rendered, queryArgs(contract)...)
	if err != nil {
		return nil, fmt.Errorf("execute rule query: %w", err)
	}
	if len(raw) == 0 {
		log.Info("runner.contract.no_rows",
			zap.String("contract_id", contract.ID.String()),
		)
		return nil, nil
	}

	rows, err := rowschema.Parse(raw, kindFor(contract.ContractType))
	if err != nil {
		return nil, fmt.Errorf("validate rows: %w", err)
	}

	var txns []*txndomain.BillingTransaction
	switch contract.ContractType {
	case contractdomain.ContractTypeInvoice:
		txns, err = s.invoiceProc.Process(ctx, contract, rows, dryRun)
	case contractdomain.ContractTypeClaim:
		txns, err = s.claimProc.Process(ctx, contract, rows, budget, dryRun)
	default:
		err = fmt.Errorf("unknown contract type %q", contract.ContractType)
	}
	if err != nil {
		return nil, err
	}

	if dryRun {
		return txns, nil
	}

	now := s.clock.Now()
	if err := s.contracts.MarkProcessed(ctx, contract.ID, now); err != nil {
		return nil, fmt.Errorf("mark contract processed: %w", err)
	}
	log.Info("runner.contract.processed",
		zap.String("contract_id", contract.ID.String()),
		zap.String("contract_type", string(contract.ContractType)),
		zap.Int("transactions", len(txns)),
	)
	return txns, nil
}

// recordRuleError persists the failure onto the contract's rule so
// operators can inspect it; contracts on the in-code default rule have no
// rule row, so the diagnostic is log-only for them.
func (s *Service) recordRuleError(ctx context.Context, log *zap.Logger, contract *contractdomain.BillingContract, cause error) {
	obsmetrics.Runner().IncRuleError()
	log.Error("runner.contract.failed",
		zap.String("contract_id", contract.ID.String()),
		zap.Error(cause),
	)
	if contract.RuleID == nil {
		return
	}
	if err := s.contracts.SetRuleError(ctx, *contract.RuleID, cause.Error()); err != nil {
		log.Error("runner.rule_error.persist.failed",
			zap.String("contract_id", contract.ID.String()),
			zap.String("rule_id", contract.RuleID.String()),
			zap.Error(err),
		)
	}
}

// TestRun dry-runs one contract: transactions are built but nothing is
// persisted and the clearinghouse is never called.
func (s *Service) TestRun(ctx context.Context, id snowflake.ID) ([]*txndomain.BillingTransaction, error) {
	contract, err := s.contracts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	budget := processor.NewRetryBudget(s.clock.Now(), s.cfg.RetryBudget)
	return s.runContract(ctx, s.log, contract, budget, true)
}

// QueryPlan is the debug view of a contract's rendered rule query.
type QueryPlan struct {
	ContractID       string   `json:"contract_id"`
	Query            string   `json:"query"`
	UnresolvedTokens []string `json:"unresolved_tokens,omitempty"`
	Plan             []string `json:"plan"`
}

// DebugQuery renders the contract's rule query and fetches the
// warehouse's EXPLAIN plan without executing the query for real.
func (s *Service) DebugQuery(ctx context.Context, id snowflake.ID) (*QueryPlan, error) {
	contract, err := s.contracts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rule := contract.EffectiveRule(contractdomain.DefaultRule())
	rendered := rulequery.Render(rule.Query, renderContext(contract))

	plan, err := s.warehouse.Explain(ctx, rendered, queryArgs(contract)...)
	if err != nil {
		return nil, fmt.Errorf("explain rule query: %w", err)
	}

	return &QueryPlan{
		ContractID:       contract.ID.String(),
		Query:            rendered,
		UnresolvedTokens: rulequery.Missing(rendered),
		Plan:             plan,
	}, nil
}

func renderContext(contract *contractdomain.BillingContract) rulequery.Context {
	return rulequery.Context{
		ContractID: contract.ID,
		AccountID:  contract.AccountID,
		ActiveAt:   contract.ActiveAt,
		InactiveAt: contract.InactiveAt,
		Rate:       contract.Rate,
		Features:   contract.Account.Features,
	}
}

func queryArgs(contract *contractdomain.BillingContract) []any {
	if len(contract.QueryParams) == 0 {
		return nil
	}
	args := make([]any, 0, len(contract.QueryParams))
	for _, param := range contract.QueryParams {
		args = append(args, param)
	}
	return args
}

func kindFor(contractType contractdomain.ContractType) rowschema.Kind {
	if contractType == contractdomain.ContractTypeClaim {
		return rowschema.KindClaim
	}
	return rowschema.KindInvoice
}
