package runner

import (
	"time"

	"github.com/smallbiznis/billrun/internal/config"
)

// Config controls batch runner pacing and the shared retry budget.
type Config struct {
	RunInterval   time.Duration
	RetryBudget   time.Duration
	InactiveGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   24 * time.Hour,
		RetryBudget:   8 * time.Hour,
		InactiveGrace: 30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaults.RetryBudget
	}
	if c.InactiveGrace <= 0 {
		c.InactiveGrace = defaults.InactiveGrace
	}
	return c
}

// ProvideConfig maps application configuration onto the runner.
func ProvideConfig(appCfg config.Config) Config {
	return Config{
		RunInterval:   appCfg.Runner.RunInterval,
		RetryBudget:   appCfg.Runner.RetryBudget,
		InactiveGrace: time.Duration(appCfg.Runner.InactiveGraceDays) * 24 * time.Hour,
	}.withDefaults()
}
