package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/audit"
	"github.com/fleetform/fleetform/internal/clock"
	"github.com/fleetform/fleetform/internal/cluster/kubernetes"
	"github.com/fleetform/fleetform/internal/config"
	"github.com/fleetform/fleetform/internal/events"
	"github.com/fleetform/fleetform/internal/instance"
	"github.com/fleetform/fleetform/internal/migration"
	"github.com/fleetform/fleetform/internal/observability"
	"github.com/fleetform/fleetform/internal/reconciler"
	"github.com/fleetform/fleetform/internal/seed"
	"github.com/fleetform/fleetform/internal/server"
	"github.com/fleetform/fleetform/internal/subscription"
	"github.com/fleetform/fleetform/internal/webhook"
	"github.com/fleetform/fleetform/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		fx.Provide(events.NewOutbox),
		fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			if cfg.SeedDefaultAccount {
				return seed.EnsureDefaultAccount(conn)
			}
			return nil
		}),
		kubernetes.Module,
		instance.Module,
		subscription.Module,
		webhook.Module,
		audit.Module,
		reconciler.Module,
		server.Module,
	)
	app.Run()
}
