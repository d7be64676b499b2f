// Package warehouse reads rule query results from the analytical store.
package warehouse

import (
	"context"
)

// Executor runs rendered rule queries. Rows come back as untyped
// key/value maps; rowschema validation turns them into typed rows.
type Executor interface {
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	// Explain returns the warehouse's query plan without executing the
	// query for real.
	Explain(ctx context.Context, sql string, args ...any) ([]string, error)
}
