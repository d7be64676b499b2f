package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrContractNotFound = errors.New("contract_not_found")
)

// Repository reads contracts and records the only two mutations this
// subsystem performs: ProcessedAt stamps and rule error updates.
type Repository interface {
	// ListProcessableIDs returns contracts with activeAt < now that are not
	// flagged inactive and whose inactiveAt, when set, is within the grace
	// window ending at now.
	ListProcessableIDs(ctx context.Context, now time.Time, grace time.Duration) ([]snowflake.ID, error)
	GetByID(ctx context.Context, id snowflake.ID) (*BillingContract, error)
	MarkProcessed(ctx context.Context, id snowflake.ID, at time.Time) error
	ClearRuleErrors(ctx context.Context) error
	SetRuleError(ctx context.Context, ruleID snowflake.ID, message string) error
}
