// Package migration makes billrun usable out of the box for local and
// self-hosted environments: all billing tables are created on startup.
package migration

import (
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
	txndomain "github.com/smallbiznis/billrun/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func Run(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&contractdomain.Account{},
		&contractdomain.BillingRule{},
		&contractdomain.BillingContract{},
		&txndomain.BillingTransaction{},
	)
}

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)
