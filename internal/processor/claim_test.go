package processor

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/billrun/internal/clearinghouse"
	"github.com/smallbiznis/billrun/internal/clock"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	"github.com/smallbiznis/billrun/internal/rowschema"
	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	txnrepository "github.com/smallbiznis/billrun/internal/transaction/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type createResult struct {
	encounter *clearinghouse.Encounter
	err       error
}

// fakeClearinghouse replays scripted create results in order, repeating
// the last one once the script runs out.
type fakeClearinghouse struct {
	createResults []createResult
	createCalls   int

	getEncounters []clearinghouse.Encounter
	getErr        error
	getCalls      int
}

func (f *fakeClearinghouse) CreateEncounter(_ context.Context, _ clearinghouse.EncounterPayload) (*clearinghouse.Encounter, error) {
	idx := f.createCalls
	if idx >= len(f.createResults) {
		idx = len(f.createResults) - 1
	}
	f.createCalls++
	r := f.createResults[idx]
	return r.encounter, r.err
}

func (f *fakeClearinghouse) GetEncountersByExternalID(_ context.Context, _ string) ([]clearinghouse.Encounter, error) {
	f.getCalls++
	return f.getEncounters, f.getErr
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&txndomain.BillingTransaction{}))
	return db
}

func newTestNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func claimContract() *contractdomain.BillingContract {
	inactiveAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &contractdomain.BillingContract{
		ID:           snowflake.ID(1001),
		AccountID:    snowflake.ID(2001),
		ContractType: contractdomain.ContractTypeClaim,
		Rate:         "0.00",
		ActiveAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		InactiveAt:   &inactiveAt,
	}
}

func claimRow(externalID string) rowschema.Row {
	return rowschema.Row{
		SchemaType: rowschema.SchemaV1,
		IdentityID: 100,
		InvoicedAt: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		CodeID:     "CODE-1",
		ExternalID: externalID,
		Patient: rowschema.Patient{
			FirstName:   "Ada",
			LastName:    "Lovelace",
			DateOfBirth: "1990-12-10",
			Gender:      "F",
		},
		Address: rowschema.Address{
			Line1: "1 Main St",
			City:  "Springfield",
			State: "IL",
			Zip:   "62704",
		},
		Provider: rowschema.Provider{
			NPI:  "1234567890",
			Name: "Dr. Example",
		},
		DiagnosisCode:     "A01.1",
		ProcedureCode:     "99213",
		ChargeAmountCents: 12550,
		Fields: map[string]any{
			"identity_id":    int64(100),
			"invoiced_at":    "2024-03-15T10:00:00Z",
			"code_id":        "CODE-1",
			"external_id":    externalID,
			"diagnosis_code": "A01.1",
		},
	}
}

func newClaimProcessor(t *testing.T, ch clearinghouse.Client, txns txndomain.Repository, clk clock.Clock) *Claim {
	t.Helper()
	return NewClaim(ch, txns, newTestNode(t), clk, zap.NewNop(), 5, time.Millisecond)
}

func freshBudget(clk clock.Clock) *RetryBudget {
	return NewRetryBudget(clk.Now(), 8*time.Hour)
}

func transientErr() error {
	return &clearinghouse.SubmissionError{Reason: "status-code", StatusCode: 503, Body: "unavailable"}
}

func TestClaimProcessPersistsConfirmedSubmission(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{
		{encounter: &clearinghouse.Encounter{
			ExternalID: "ext-1",
			Body:       map[string]any{"external_id": "ext-1", "status": "created"},
		}},
	}}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	contract := claimContract()
	out, err := p.Process(context.Background(), contract, []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, ch.createCalls)

	stored, err := txns.FindByTransactionKey(context.Background(), "ext-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	txn := stored[0]
	assert.Equal(t, contract.ID, txn.BillingContractID)
	assert.Equal(t, contract.AccountID, txn.AccountID)
	assert.Equal(t, int64(100), txn.IdentityID)
	assert.Equal(t, txndomain.TransactionTypeClaim, txn.TransactionType)
	assert.Equal(t, int64(12550), txn.ChargeAmountCents)
	require.NotNil(t, txn.TransactionKey)
	assert.Equal(t, "ext-1", *txn.TransactionKey)

	assert.NotContains(t, txn.Meta, "identity_id")
	assert.NotContains(t, txn.Meta, "invoiced_at")
	assert.Contains(t, txn.Meta, "code_id")
	assert.Contains(t, txn.Meta, "newEncounter")
}

func TestClaimProcessV2SumsServiceLineCharges(t *testing.T) {
	row := claimRow("ext-v2")
	row.SchemaType = rowschema.SchemaV2
	row.Diagnoses = []rowschema.Diagnosis{{Code: "B20"}, {Code: "E11.9"}}
	row.ServiceLines = []rowschema.ServiceLine{
		{ProcedureCode: "97110", Units: 2, ChargeAmountCents: 4500},
		{ProcedureCode: "97140", Units: 1, ChargeAmountCents: 3000},
	}

	ch := &fakeClearinghouse{createResults: []createResult{
		{encounter: &clearinghouse.Encounter{ExternalID: "ext-v2", Body: map[string]any{}}},
	}}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{row}, freshBudget(clk), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(7500), out[0].ChargeAmountCents)
}

func TestClaimSubmitRetriesTransientFailuresSixTimesTotal(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{{err: transientErr()}}}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	_, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.Error(t, err)

	var submission *clearinghouse.SubmissionError
	assert.ErrorAs(t, err, &submission)
	assert.Equal(t, 6, ch.createCalls)

	var count int64
	require.NoError(t, db.Model(&txndomain.BillingTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaimSubmitRecoversWithinRetryBound(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{
		{err: transientErr()},
		{err: transientErr()},
		{encounter: &clearinghouse.Encounter{ExternalID: "ext-1", Body: map[string]any{}}},
	}}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, ch.createCalls)
}

func TestClaimSubmitFailsFastOnceBudgetExceeded(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{{err: transientErr()}}}
	db := newTestDB(t)
	txns := txnrepository.New(db)

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	budget := NewRetryBudget(start, 8*time.Hour)
	clk.Advance(8*time.Hour + time.Second)

	p := newClaimProcessor(t, ch, txns, clk)
	_, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, budget, false)
	require.Error(t, err)
	assert.Equal(t, 1, ch.createCalls)

	// Later contracts in the same run see the same exhausted budget and
	// also stop after a single attempt.
	_, err = p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-2")}, budget, false)
	require.Error(t, err)
	assert.Equal(t, 2, ch.createCalls)
}

func TestRetryBudgetReportsFirstObservationOnce(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	budget := NewRetryBudget(start, 8*time.Hour)

	exceeded, first := budget.Exceeded(start.Add(time.Hour))
	assert.False(t, exceeded)
	assert.False(t, first)

	exceeded, first = budget.Exceeded(start.Add(9 * time.Hour))
	assert.True(t, exceeded)
	assert.True(t, first)

	exceeded, first = budget.Exceeded(start.Add(10 * time.Hour))
	assert.True(t, exceeded)
	assert.False(t, first)

	// Once spent it stays spent, even if asked about an earlier instant.
	exceeded, _ = budget.Exceeded(start)
	assert.True(t, exceeded)
}

func TestClaimSubmitDoesNotRetryFatalStatus(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{
		{err: &clearinghouse.SubmissionError{Reason: "status-code", StatusCode: 400, Body: "bad request"}},
	}}
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txnrepository.New(db), clk)

	_, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.Error(t, err)
	assert.Equal(t, 1, ch.createCalls)
}

func TestClaimConflictRecoversLostEncounter(t *testing.T) {
	body := map[string]any{"external_id": "ext-1", "status": "accepted"}
	ch := &fakeClearinghouse{
		createResults: []createResult{{err: &clearinghouse.ExternalIDConflictError{ExternalID: "ext-1"}}},
		getEncounters: []clearinghouse.Encounter{{ExternalID: "ext-1", Body: body}},
	}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, ch.getCalls)

	stored, err := txns.FindByTransactionKey(context.Background(), "ext-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, body, stored[0].Meta["newEncounter"])
}

func TestClaimTransientThenConflictRecoversExactlyOnce(t *testing.T) {
	// A transient failure whose attempt actually landed upstream: the
	// retry reports a conflict and reconciliation recovers the remote
	// record instead of double-billing.
	body := map[string]any{"external_id": "ext-1", "status": "accepted"}
	ch := &fakeClearinghouse{
		createResults: []createResult{
			{err: transientErr()},
			{err: &clearinghouse.ExternalIDConflictError{ExternalID: "ext-1"}},
		},
		getEncounters: []clearinghouse.Encounter{{ExternalID: "ext-1", Body: body}},
	}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, ch.createCalls)

	stored, err := txns.FindByTransactionKey(context.Background(), "ext-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, body, stored[0].Meta["newEncounter"])
}

func TestClaimConflictSkipsAlreadyPersistedRow(t *testing.T) {
	ch := &fakeClearinghouse{
		createResults: []createResult{{err: &clearinghouse.ExternalIDConflictError{ExternalID: "ext-1"}}},
	}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	key := "ext-1"
	require.NoError(t, txns.Insert(context.Background(), &txndomain.BillingTransaction{
		ID:                snowflake.ID(1),
		BillingContractID: snowflake.ID(1001),
		AccountID:         snowflake.ID(2001),
		IdentityID:        100,
		InvoicedAt:        time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		CodeID:            "CODE-1",
		TransactionType:   txndomain.TransactionTypeClaim,
		TransactionKey:    &key,
	}))

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, ch.getCalls)

	var count int64
	require.NoError(t, db.Model(&txndomain.BillingTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestClaimConflictOnForeignIDAbandonsRow(t *testing.T) {
	ch := &fakeClearinghouse{
		createResults: []createResult{{err: &clearinghouse.ExternalIDConflictError{ExternalID: "someone-else"}}},
	}
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txnrepository.New(db), clk)

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.NoError(t, err)
	assert.Empty(t, out)

	var count int64
	require.NoError(t, db.Model(&txndomain.BillingTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaimConflictWithoutRemoteEncounterIsFatal(t *testing.T) {
	ch := &fakeClearinghouse{
		createResults: []createResult{{err: &clearinghouse.ExternalIDConflictError{ExternalID: "ext-1"}}},
		getEncounters: nil,
	}
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txnrepository.New(db), clk)

	_, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	assert.ErrorIs(t, err, ErrUnexpectedReconciliationState)
}

func TestClaimDryRunMakesNoCallsAndNoWrites(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{{err: transientErr()}}}
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txnrepository.New(db), clk)

	out, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, ch.createCalls)
	require.NotNil(t, out[0].TransactionKey)
	assert.Equal(t, "ext-1", *out[0].TransactionKey)
	assert.NotContains(t, out[0].Meta, "newEncounter")

	var count int64
	require.NoError(t, db.Model(&txndomain.BillingTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaimWindowViolationMidBatchInsertsNothing(t *testing.T) {
	// The violation sits behind a valid row; no submission or insert may
	// happen for the earlier rows either.
	ch := &fakeClearinghouse{createResults: []createResult{
		{encounter: &clearinghouse.Encounter{ExternalID: "ext-1", Body: map[string]any{}}},
	}}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txns, clk)

	late := claimRow("ext-2")
	late.InvoicedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := p.Process(context.Background(), claimContract(),
		[]rowschema.Row{claimRow("ext-1"), late}, freshBudget(clk), false)
	assert.ErrorIs(t, err, ErrWindowViolation)
	assert.Zero(t, ch.createCalls)

	var count int64
	require.NoError(t, db.Model(&txndomain.BillingTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaimDuplicateKeyInsertLogsDistinctly(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{
		{encounter: &clearinghouse.Encounter{ExternalID: "ext-1", Body: map[string]any{}}},
	}}
	db := newTestDB(t)
	txns := txnrepository.New(db)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	core, observed := observer.New(zap.ErrorLevel)
	p := NewClaim(ch, txns, newTestNode(t), clk, zap.New(core), 5, time.Millisecond)

	key := "ext-1"
	require.NoError(t, txns.Insert(context.Background(), &txndomain.BillingTransaction{
		ID:                snowflake.ID(1),
		BillingContractID: snowflake.ID(1001),
		AccountID:         snowflake.ID(2001),
		IdentityID:        100,
		InvoicedAt:        time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		CodeID:            "CODE-1",
		TransactionType:   txndomain.TransactionTypeClaim,
		TransactionKey:    &key,
	}))

	_, err := p.Process(context.Background(), claimContract(), []rowschema.Row{claimRow("ext-1")}, freshBudget(clk), false)
	require.Error(t, err)
	assert.ErrorContains(t, err, "insert claim transaction")

	require.Equal(t, 1, observed.FilterMessage("claim.transaction.insert.duplicate_key").Len())

	var count int64
	require.NoError(t, db.Model(&txndomain.BillingTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestClaimRejectsRowOutsideContractWindow(t *testing.T) {
	ch := &fakeClearinghouse{createResults: []createResult{
		{encounter: &clearinghouse.Encounter{ExternalID: "ext-1", Body: map[string]any{}}},
	}}
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := newClaimProcessor(t, ch, txnrepository.New(db), clk)

	row := claimRow("ext-1")
	row.InvoicedAt = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)

	_, err := p.Process(context.Background(), claimContract(), []rowschema.Row{row}, freshBudget(clk), false)
	assert.ErrorIs(t, err, ErrWindowViolation)
	assert.Zero(t, ch.createCalls)
}
