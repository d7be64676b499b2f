// Package processor turns validated warehouse rows into billing
// transactions, locally for invoices and via the clearinghouse for claims.
package processor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	"github.com/smallbiznis/billrun/internal/rowschema"
	"gorm.io/datatypes"
)

var (
	// ErrWindowViolation means a row's invoiced_at falls outside the
	// contract's active window. It indicates a rule-authoring bug and is
	// fatal for the whole contract run.
	ErrWindowViolation = errors.New("invoiced_at_outside_contract_window")

	// ErrUnexpectedReconciliationState means the clearinghouse and local
	// store disagree in a way reconciliation cannot resolve.
	ErrUnexpectedReconciliationState = errors.New("unexpected_reconciliation_state")

	ErrInvalidRate = errors.New("invalid_contract_rate")
)

// checkWindow enforces activeAt < invoicedAt < inactiveAt, strictly, with
// an unset inactiveAt treated as open-ended.
func checkWindow(contract *contractdomain.BillingContract, invoicedAt time.Time) error {
	if !invoicedAt.After(contract.ActiveAt) {
		return fmt.Errorf("%w: invoiced_at %s not after active_at %s",
			ErrWindowViolation, invoicedAt.Format(time.RFC3339), contract.ActiveAt.Format(time.RFC3339))
	}
	if contract.InactiveAt != nil && !invoicedAt.Before(*contract.InactiveAt) {
		return fmt.Errorf("%w: invoiced_at %s not before inactive_at %s",
			ErrWindowViolation, invoicedAt.Format(time.RFC3339), contract.InactiveAt.Format(time.RFC3339))
	}
	return nil
}

// rateCents converts the contract's money-formatted rate into integer cents.
func rateCents(rate string) (int64, error) {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(rate), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRate, rate)
	}
	return int64(math.Round(parsed * 100)), nil
}

// metaFromRow copies the raw row fields into transaction meta, dropping
// the columns persisted as first-class transaction fields.
func metaFromRow(fields map[string]any) datatypes.JSONMap {
	meta := make(datatypes.JSONMap, len(fields))
	for key, value := range fields {
		if key == "identity_id" || key == "invoiced_at" {
			continue
		}
		meta[key] = value
	}
	return meta
}

func sumServiceLineCharges(lines []rowschema.ServiceLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.ChargeAmountCents
	}
	return total
}
