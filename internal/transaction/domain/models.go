// Package domain contains the append-only billing transaction model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType mirrors the contract type that produced the row.
type TransactionType string

const (
	TransactionTypeInvoice TransactionType = "invoice"
	TransactionTypeClaim   TransactionType = "claim"
)

// BillingTransaction is the durable record of one billed row. Rows are
// inserted exactly once and never updated or deleted by this subsystem.
//
// TransactionKey holds the clearinghouse submission id and is the
// idempotency key: at most one row may exist per key.
type BillingTransaction struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	BillingContractID snowflake.ID      `gorm:"not null;index"`
	AccountID         snowflake.ID      `gorm:"not null;index"`
	IdentityID        int64             `gorm:"not null;index"`
	InvoicedAt        time.Time         `gorm:"not null"`
	CodeID            string            `gorm:"type:text;not null"`
	TransactionType   TransactionType   `gorm:"type:text;not null"`
	ChargeAmountCents int64             `gorm:"not null"`
	Meta              datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	TransactionKey    *string           `gorm:"type:text;uniqueIndex:ux_billing_transactions_key"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingTransaction) TableName() string { return "billing_transactions" }
