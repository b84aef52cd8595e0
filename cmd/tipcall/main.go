package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	"github.com/tipcall/tipcall/internal/migration"
	"github.com/tipcall/tipcall/internal/rates"
	"github.com/tipcall/tipcall/internal/server"
	"github.com/tipcall/tipcall/pkg/db"
	"github.com/tipcall/tipcall/pkg/log"
	"github.com/tipcall/tipcall/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		rates.Module,
		migration.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
