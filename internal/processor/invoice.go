package processor

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/billrun/internal/observability/metrics"
	"github.com/smallbiznis/billrun/internal/rowschema"
	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	"go.uber.org/zap"
)

// Invoice is the pure local transaction path: contract + row in,
// persisted transaction out, no external calls.
type Invoice struct {
	txns      txndomain.Repository
	genID     *snowflake.Node
	log       *zap.Logger
	batchSize int
}

func NewInvoice(txns txndomain.Repository, genID *snowflake.Node, log *zap.Logger, batchSize int) *Invoice {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Invoice{
		txns:      txns,
		genID:     genID,
		log:       log.Named("processor.invoice"),
		batchSize: batchSize,
	}
}

// Process builds one transaction per row at the contract's rate. In
// dry-run mode the built records are returned without writing.
func (p *Invoice) Process(ctx context.Context, contract *contractdomain.BillingContract, rows []rowschema.Row, dryRun bool) ([]*txndomain.BillingTransaction, error) {
	cents, err := rateCents(contract.Rate)
	if err != nil {
		return nil, err
	}

	txns := make([]*txndomain.BillingTransaction, 0, len(rows))
	for _, row := range rows {
		if err := checkWindow(contract, row.InvoicedAt); err != nil {
			return nil, err
		}
		txns = append(txns, &txndomain.BillingTransaction{
			ID:                p.genID.Generate(),
			BillingContractID: contract.ID,
			AccountID:         contract.AccountID,
			IdentityID:        row.IdentityID,
			InvoicedAt:        row.InvoicedAt,
			CodeID:            row.CodeID,
			TransactionType:   txndomain.TransactionTypeInvoice,
			ChargeAmountCents: cents,
			Meta:              metaFromRow(row.Fields),
		})
	}

	if dryRun {
		return txns, nil
	}

	if err := p.txns.InsertMany(ctx, txns, p.batchSize); err != nil {
		p.log.Error("invoice.transaction.insert.failed",
			zap.String("contract_id", contract.ID.String()),
			zap.Int("count", len(txns)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("insert invoice transactions: %w", err)
	}
	obsmetrics.Runner().AddTransactions(string(txndomain.TransactionTypeInvoice), len(txns))
	return txns, nil
}
