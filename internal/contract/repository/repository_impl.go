package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) contractdomain.Repository {
	return &repo{db: db}
}

func (r *repo) ListProcessableIDs(ctx context.Context, now time.Time, grace time.Duration) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM billing_contracts
		 WHERE active_at < ?
		   AND inactive = ?
		   AND (inactive_at IS NULL OR inactive_at > ?)
		 ORDER BY id ASC`,
		now,
		false,
		now.Add(-grace),
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) GetByID(ctx context.Context, id snowflake.ID) (*contractdomain.BillingContract, error) {
	var contract contractdomain.BillingContract
	err := r.db.WithContext(ctx).
		Preload("Account").
		Preload("Rule").
		First(&contract, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, contractdomain.ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

func (r *repo) MarkProcessed(ctx context.Context, id snowflake.ID, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE billing_contracts
		 SET processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) ClearRuleErrors(ctx context.Context) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE billing_rules
		 SET processing_error = NULL
		 WHERE processing_error IS NOT NULL`,
	).Error
}

func (r *repo) SetRuleError(ctx context.Context, ruleID snowflake.ID, message string) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE billing_rules
		 SET processing_error = ?
		 WHERE id = ?`,
		message,
		ruleID,
	).Error
}
