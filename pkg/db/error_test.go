package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "gorm translated", err: gorm.ErrDuplicatedKey, expected: true},
		{name: "wrapped gorm translated", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), expected: true},
		{name: "postgres message", err: errors.New(`ERROR: duplicate key value violates unique constraint "ux_billing_transactions_key" (SQLSTATE 23505)`), expected: true},
		{name: "sqlite message", err: errors.New("constraint failed: UNIQUE constraint failed: billing_transactions.transaction_key (2067)"), expected: true},
		{name: "unrelated", err: errors.New("connection refused"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsDuplicateKeyErr(tt.err))
		})
	}
}
