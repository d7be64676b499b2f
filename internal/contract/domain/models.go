// Package domain contains persistence models for billing contracts and rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ContractType selects the transaction path for a contract's rows.
type ContractType string

const (
	ContractTypeInvoice ContractType = "invoice"
	ContractTypeClaim   ContractType = "claim"
)

// Account carries the feature flags consumed by rule query templates.
type Account struct {
	ID        snowflake.ID               `gorm:"primaryKey"`
	Name      string                     `gorm:"type:text;not null"`
	Features  datatypes.JSONSlice[string] `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// BillingRule holds the parameterized warehouse query for a contract.
//
// ProcessingError records the most recent contract failure; it is cleared
// at the start of every full batch run.
type BillingRule struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Query           string       `gorm:"type:text;not null"`
	IssueQuery      *string      `gorm:"type:text"`
	ProcessingError *string      `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingRule) TableName() string { return "billing_rules" }

// BillingContract is a configured billing relationship. It is authored out
// of band; this subsystem only stamps ProcessedAt and rule errors.
type BillingContract struct {
	ID           snowflake.ID                `gorm:"primaryKey"`
	AccountID    snowflake.ID                `gorm:"not null;index"`
	ContractType ContractType                `gorm:"type:text;not null"`
	Rate         string                      `gorm:"type:text;not null"`
	ActiveAt     time.Time                   `gorm:"not null"`
	InactiveAt   *time.Time                  `gorm:""`
	Inactive     bool                        `gorm:"not null;default:false"`
	QueryParams  datatypes.JSONSlice[string] `gorm:"type:jsonb;not null;default:'[]'"`
	RuleID       *snowflake.ID               `gorm:"index"`
	ProcessedAt  *time.Time                  `gorm:""`
	CreatedAt    time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Account Account      `gorm:"foreignKey:AccountID"`
	Rule    *BillingRule `gorm:"foreignKey:RuleID"`
}

// TableName sets the database table name.
func (BillingContract) TableName() string { return "billing_contracts" }

// EffectiveRule resolves the contract's rule: its override when present,
// else the shared default rule.
func (c *BillingContract) EffectiveRule(def *BillingRule) *BillingRule {
	if c.Rule != nil {
		return c.Rule
	}
	return def
}
