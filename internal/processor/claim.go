package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billrun/internal/clearinghouse"
	"github.com/smallbiznis/billrun/internal/clock"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/billrun/internal/observability/metrics"
	"github.com/smallbiznis/billrun/internal/rowschema"
	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	"github.com/smallbiznis/billrun/pkg/db"
	"go.uber.org/zap"
)

// RetryBudget is the shared wall-clock budget for transient retries
// across one whole batch run. Once spent it stays spent: later contracts
// in the same run fail fast instead of sleeping.
type RetryBudget struct {
	start     time.Time
	limit     time.Duration
	exhausted bool
	logged    bool
}

func NewRetryBudget(start time.Time, limit time.Duration) *RetryBudget {
	return &RetryBudget{start: start, limit: limit}
}

// Exceeded reports whether the budget has run out at now. The second
// return is true only on the first observation, so callers can log the
// exhaustion exactly once per run.
func (b *RetryBudget) Exceeded(now time.Time) (bool, bool) {
	if b.exhausted {
		return true, false
	}
	if now.Sub(b.start) <= b.limit {
		return false, false
	}
	b.exhausted = true
	if b.logged {
		return true, false
	}
	b.logged = true
	return true, true
}

// Claim maps rows to clearinghouse encounter submissions, retries
// transient failures with exponential backoff, reconciles idempotency
// conflicts, and persists each confirmed transaction exactly once.
type Claim struct {
	ch         clearinghouse.Client
	txns       txndomain.Repository
	genID      *snowflake.Node
	clock      clock.Clock
	log        *zap.Logger
	maxRetries int
	baseDelay  time.Duration
}

func NewClaim(ch clearinghouse.Client, txns txndomain.Repository, genID *snowflake.Node, clk clock.Clock, log *zap.Logger, maxRetries int, baseDelay time.Duration) *Claim {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	return &Claim{
		ch:         ch,
		txns:       txns,
		genID:      genID,
		clock:      clk,
		log:        log.Named("processor.claim"),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Process walks the claim state machine for each row. Rows abandoned
// during reconciliation are skipped without failing the contract; any
// other error aborts the whole contract run.
func (p *Claim) Process(ctx context.Context, contract *contractdomain.BillingContract, rows []rowschema.Row, budget *RetryBudget, dryRun bool) ([]*txndomain.BillingTransaction, error) {
	// A window violation signals a rule-authoring bug, so every row is
	// validated before the first submission: a violation anywhere in the
	// batch must leave no partial transactions behind.
	for _, row := range rows {
		if err := checkWindow(contract, row.InvoicedAt); err != nil {
			return nil, err
		}
	}

	metrics := obsmetrics.Runner()
	txns := make([]*txndomain.BillingTransaction, 0, len(rows))

	for _, row := range rows {
		payload, charge := buildSubmission(row)

		if dryRun {
			txns = append(txns, p.buildTransaction(contract, row, charge, nil))
			continue
		}

		encounter, err := p.submit(ctx, payload, budget)
		if err != nil {
			var conflict *clearinghouse.ExternalIDConflictError
			if !errors.As(err, &conflict) {
				return nil, fmt.Errorf("submit claim %s: %w", payload.ExternalID, err)
			}
			recovered, abandoned, rerr := p.reconcile(ctx, payload.ExternalID, conflict)
			if rerr != nil {
				return nil, rerr
			}
			if abandoned {
				continue
			}
			encounter = recovered
		}

		txn := p.buildTransaction(contract, row, charge, encounter)
		if err := p.txns.Insert(ctx, txn); err != nil {
			event := "claim.transaction.insert.failed"
			if db.IsDuplicateKeyErr(err) {
				// The idempotency key already exists locally even though
				// reconciliation saw no row; worth its own event.
				event = "claim.transaction.insert.duplicate_key"
			}
			p.log.Error(event,
				zap.String("contract_id", contract.ID.String()),
				zap.String("external_id", payload.ExternalID),
				zap.Any("transaction", txn),
				zap.Error(err),
			)
			return nil, fmt.Errorf("insert claim transaction: %w", err)
		}
		metrics.AddTransactions(string(txndomain.TransactionTypeClaim), 1)
		txns = append(txns, txn)
	}

	return txns, nil
}

// submit issues the create call with a bounded retry loop. Retry count
// and the evolving result are plain loop locals; only transient
// submission failures are retried, and each retry first consults the
// run-wide budget.
func (p *Claim) submit(ctx context.Context, payload clearinghouse.EncounterPayload, budget *RetryBudget) (*clearinghouse.Encounter, error) {
	metrics := obsmetrics.Runner()
	attempt := 0

	for {
		encounter, err := p.ch.CreateEncounter(ctx, payload)
		if err == nil {
			metrics.IncSubmission(obsmetrics.SubmissionOutcomeCreated)
			return encounter, nil
		}

		var submission *clearinghouse.SubmissionError
		if !errors.As(err, &submission) || !submission.Transient() {
			var conflict *clearinghouse.ExternalIDConflictError
			if errors.As(err, &conflict) {
				metrics.IncSubmission(obsmetrics.SubmissionOutcomeConflict)
			} else {
				metrics.IncSubmission(obsmetrics.SubmissionOutcomeFatal)
			}
			return nil, err
		}
		metrics.IncSubmission(obsmetrics.SubmissionOutcomeTransient)

		if attempt >= p.maxRetries {
			return nil, err
		}
		exceeded, first := budget.Exceeded(p.clock.Now())
		if exceeded {
			if first {
				metrics.IncBudgetExhausted()
				p.log.Warn("claim.retry_budget.exhausted",
					zap.Duration("budget", budget.limit),
					zap.Time("run_started_at", budget.start),
				)
			}
			return nil, err
		}

		attempt++
		metrics.IncSubmissionRetry()
		delay := p.baseDelay * (1 << (attempt - 1))
		p.log.Warn("claim.submission.retry",
			zap.String("external_id", payload.ExternalID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int("status", submission.StatusCode),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// reconcile resolves an idempotency conflict: an earlier attempt
// succeeded upstream but the response was lost. It returns the recovered
// encounter, or abandoned=true when the row needs no further work.
func (p *Claim) reconcile(ctx context.Context, submittedID string, conflict *clearinghouse.ExternalIDConflictError) (*clearinghouse.Encounter, bool, error) {
	metrics := obsmetrics.Runner()

	if conflict.ExternalID != submittedID {
		// Should not occur: the service reported a conflict on an id we
		// never submitted.
		metrics.IncReconciliation("id_mismatch")
		p.log.Error("claim.reconcile.id_mismatch",
			zap.String("submitted_external_id", submittedID),
			zap.String("conflict_external_id", conflict.ExternalID),
		)
		return nil, true, nil
	}

	local, err := p.txns.FindByTransactionKey(ctx, conflict.ExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup transaction key %s: %w", conflict.ExternalID, err)
	}
	if len(local) > 0 {
		metrics.IncReconciliation("already_persisted")
		p.log.Info("claim.reconcile.already_persisted",
			zap.String("external_id", conflict.ExternalID),
		)
		return nil, true, nil
	}

	remote, err := p.ch.GetEncountersByExternalID(ctx, conflict.ExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch encounters for %s: %w", conflict.ExternalID, err)
	}
	if len(remote) != 1 {
		metrics.IncReconciliation("unexpected_state")
		return nil, false, fmt.Errorf("%w: %d encounters for external id %s",
			ErrUnexpectedReconciliationState, len(remote), conflict.ExternalID)
	}

	metrics.IncReconciliation("recovered")
	metrics.IncSubmission(obsmetrics.SubmissionOutcomeReconciled)
	p.log.Info("claim.reconcile.recovered",
		zap.String("external_id", conflict.ExternalID),
	)
	return &remote[0], false, nil
}

func (p *Claim) buildTransaction(contract *contractdomain.BillingContract, row rowschema.Row, charge int64, encounter *clearinghouse.Encounter) *txndomain.BillingTransaction {
	meta := metaFromRow(row.Fields)
	var key *string
	if encounter != nil {
		meta["newEncounter"] = encounter.Body
		if encounter.ExternalID != "" {
			id := encounter.ExternalID
			key = &id
		}
	} else if row.ExternalID != "" {
		id := row.ExternalID
		key = &id
	}

	return &txndomain.BillingTransaction{
		ID:                p.genID.Generate(),
		BillingContractID: contract.ID,
		AccountID:         contract.AccountID,
		IdentityID:        row.IdentityID,
		InvoicedAt:        row.InvoicedAt,
		CodeID:            row.CodeID,
		TransactionType:   txndomain.TransactionTypeClaim,
		ChargeAmountCents: charge,
		Meta:              meta,
		TransactionKey:    key,
	}
}

// buildSubmission maps a validated row to the encounter payload. v1 rows
// carry exactly one diagnosis and one service line; v2 rows map their
// lists directly, with the charge summed across service lines.
func buildSubmission(row rowschema.Row) (clearinghouse.EncounterPayload, int64) {
	payload := clearinghouse.EncounterPayload{
		ExternalID:       row.ExternalID,
		DateOfService:    row.InvoicedAt.Format("2006-01-02"),
		PatientFirstName: row.Patient.FirstName,
		PatientLastName:  row.Patient.LastName,
		PatientDOB:       row.Patient.DateOfBirth,
		PatientGender:    row.Patient.Gender,
		AddressLine1:     row.Address.Line1,
		AddressCity:      row.Address.City,
		AddressState:     row.Address.State,
		AddressZip:       row.Address.Zip,
		ProviderNPI:      row.Provider.NPI,
		ProviderName:     row.Provider.Name,
	}

	if row.SchemaType == rowschema.SchemaV2 {
		payload.Diagnoses = make([]clearinghouse.Diagnosis, 0, len(row.Diagnoses))
		for _, d := range row.Diagnoses {
			payload.Diagnoses = append(payload.Diagnoses, clearinghouse.Diagnosis{Code: d.Code})
		}
		payload.ServiceLines = make([]clearinghouse.ServiceLine, 0, len(row.ServiceLines))
		for _, line := range row.ServiceLines {
			payload.ServiceLines = append(payload.ServiceLines, clearinghouse.ServiceLine{
				ProcedureCode:     line.ProcedureCode,
				Units:             line.Units,
				ChargeAmountCents: line.ChargeAmountCents,
			})
		}
		return payload, sumServiceLineCharges(row.ServiceLines)
	}

	payload.Diagnoses = []clearinghouse.Diagnosis{{Code: row.DiagnosisCode}}
	payload.ServiceLines = []clearinghouse.ServiceLine{{
		ProcedureCode:     row.ProcedureCode,
		Units:             1,
		ChargeAmountCents: row.ChargeAmountCents,
	}}
	return payload, row.ChargeAmountCents
}
