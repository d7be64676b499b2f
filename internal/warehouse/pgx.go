package warehouse

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxExecutor struct {
	pool *pgxpool.Pool
}

// NewPgxExecutor wraps a pgx pool as an Executor.
func NewPgxExecutor(pool *pgxpool.Pool) Executor {
	return &pgxExecutor{pool: pool}
}

func (e *pgxExecutor) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		record := make(map[string]any, len(fields))
		for i, fd := range fields {
			record[string(fd.Name)] = values[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (e *pgxExecutor) Explain(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := e.pool.Query(ctx, "EXPLAIN "+sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plan []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		plan = append(plan, line)
	}
	return plan, rows.Err()
}
