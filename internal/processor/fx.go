package processor

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billrun/internal/clearinghouse"
	"github.com/smallbiznis/billrun/internal/clock"
	"github.com/smallbiznis/billrun/internal/config"
	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideInvoice(cfg config.Config, txns txndomain.Repository, genID *snowflake.Node, log *zap.Logger) *Invoice {
	return NewInvoice(txns, genID, log, cfg.Runner.InsertBatchSize)
}

func provideClaim(cfg config.Config, ch clearinghouse.Client, txns txndomain.Repository, genID *snowflake.Node, clk clock.Clock, log *zap.Logger) *Claim {
	return NewClaim(ch, txns, genID, clk, log, cfg.Runner.MaxRetries, cfg.Runner.RetryBaseDelay)
}

var Module = fx.Module("processor",
	fx.Provide(
		provideInvoice,
		provideClaim,
	),
)
