package runner

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("runner",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// ScheduleModule additionally starts the periodic batch loop; the API
// binary omits it and triggers runs over HTTP instead.
var ScheduleModule = fx.Module("runner.schedule",
	fx.Invoke(startRunner),
)

func startRunner(lc fx.Lifecycle, svc *Service) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go svc.RunForever(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
