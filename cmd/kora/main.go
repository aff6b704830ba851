package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/authorization"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	"github.com/smallbiznis/kora/internal/ledger"
	"github.com/smallbiznis/kora/internal/migration"
	"github.com/smallbiznis/kora/internal/observability"
	"github.com/smallbiznis/kora/internal/promotable"
	"github.com/smallbiznis/kora/internal/promotion"
	"github.com/smallbiznis/kora/internal/ratelimit"
	"github.com/smallbiznis/kora/internal/ratepolicy"
	"github.com/smallbiznis/kora/internal/scheduler"
	"github.com/smallbiznis/kora/internal/server"
	"github.com/smallbiznis/kora/pkg/db"
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

		// Functional domains
		ledger.Module,
		ratepolicy.Module,
		promotable.Module,
		promotion.Module,
		authorization.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
