package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/availability"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/idempotency"
	"github.com/smallbiznis/keepr/internal/inventory"
	"github.com/smallbiznis/keepr/internal/ledger"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/observability"
	"github.com/smallbiznis/keepr/internal/ratelimit"
	"github.com/smallbiznis/keepr/internal/scheduler"
	"github.com/smallbiznis/keepr/internal/storedvalue"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Scheduler.Enabled = true
			return cfg
		}),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		notification.Module,

		// Domain services required by the sweeps
		idempotency.Module,
		inventory.Module,
		availability.Module,
		ledger.Module,
		storedvalue.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
