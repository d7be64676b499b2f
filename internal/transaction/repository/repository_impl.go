package repository

import (
	"context"

	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) txndomain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, txn *txndomain.BillingTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repo) InsertMany(ctx context.Context, txns []*txndomain.BillingTransaction, chunkSize int) error {
	if len(txns) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return r.db.WithContext(ctx).CreateInBatches(txns, chunkSize).Error
}

func (r *repo) FindByTransactionKey(ctx context.Context, key string) ([]txndomain.BillingTransaction, error) {
	var rows []txndomain.BillingTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_key = ?", key).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
