package contract

import (
	"github.com/smallbiznis/billrun/internal/contract/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("contract",
	fx.Provide(repository.New),
)
