package clearinghouse

import (
	"github.com/smallbiznis/billrun/internal/config"
	"go.uber.org/fx"
)

func provideClient(cfg config.Config) (Client, error) {
	return NewHTTPClient(cfg.Clearinghouse)
}

var Module = fx.Module("clearinghouse",
	fx.Provide(provideClient),
)
