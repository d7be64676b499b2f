package domain

import (
	"context"
)

// Repository writes billing transactions. All failures are storage
// failures: always fatal for the contract being processed.
type Repository interface {
	Insert(ctx context.Context, txn *BillingTransaction) error
	// InsertMany persists transactions in fixed-size chunks to bound
	// single-statement size.
	InsertMany(ctx context.Context, txns []*BillingTransaction, chunkSize int) error
	FindByTransactionKey(ctx context.Context, key string) ([]BillingTransaction, error)
}
