// The runner app executes scheduled billing batches without the HTTP
// surface; deployments trigger it as a scheduled task.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billrun/internal/clearinghouse"
	"github.com/smallbiznis/billrun/internal/clock"
	"github.com/smallbiznis/billrun/internal/config"
	"github.com/smallbiznis/billrun/internal/contract"
	"github.com/smallbiznis/billrun/internal/logger"
	"github.com/smallbiznis/billrun/internal/migration"
	"github.com/smallbiznis/billrun/internal/processor"
	"github.com/smallbiznis/billrun/internal/runner"
	"github.com/smallbiznis/billrun/internal/transaction"
	"github.com/smallbiznis/billrun/internal/warehouse"
	"github.com/smallbiznis/billrun/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		contract.Module,
		transaction.Module,
		warehouse.Module,
		clearinghouse.Module,
		processor.Module,
		runner.Module,
		runner.ScheduleModule,

		// No server module!
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
