package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/availability"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/idempotency"
	"github.com/smallbiznis/keepr/internal/inventory"
	"github.com/smallbiznis/keepr/internal/ledger"
	"github.com/smallbiznis/keepr/internal/migration"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/observability"
	"github.com/smallbiznis/keepr/internal/payment"
	"github.com/smallbiznis/keepr/internal/pos"
	"github.com/smallbiznis/keepr/internal/pricing"
	"github.com/smallbiznis/keepr/internal/ratelimit"
	"github.com/smallbiznis/keepr/internal/reservation"
	"github.com/smallbiznis/keepr/internal/scheduler"
	"github.com/smallbiznis/keepr/internal/server"
	"github.com/smallbiznis/keepr/internal/storedvalue"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		notification.Module,
		payment.Module,

		// Domains
		idempotency.Module,
		inventory.Module,
		availability.Module,
		pricing.Module,
		ledger.Module,
		storedvalue.Module,
		pos.Module,
		reservation.Module,

		// Runs only when SCHEDULER_ENABLED is set; apps/scheduler is the
		// dedicated worker.
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
