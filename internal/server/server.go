// Package server exposes the billing runner's operational HTTP surface.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/billrun/internal/config"
	"github.com/smallbiznis/billrun/internal/runner"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	engine *gin.Engine
	log    *zap.Logger
	cfg    config.Config
	runner *runner.Service
}

func New(cfg config.Config, log *zap.Logger, runnerSvc *runner.Service) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		log:    log.Named("server"),
		cfg:    cfg,
		runner: runnerSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1/billing")
	v1.POST("/runs", s.RunBatch)
	v1.POST("/contracts/:id/test-run", s.TestRunContract)
	v1.GET("/contracts/:id/query-plan", s.ContractQueryPlan)
}

func (s *Server) start(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server.listen.failed", zap.Error(err))
		}
	}()
	return srv
}

func registerHooks(lc fx.Lifecycle, s *Server, cfg config.Config) {
	var srv *http.Server
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			srv = s.start(cfg.HTTPAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if srv == nil {
				return nil
			}
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
