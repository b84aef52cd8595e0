// The settlement app runs the payout workers and the reconciliation loop
// without the HTTP surface, so delivery can scale separately from the API.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	"github.com/tipcall/tipcall/internal/ledger"
	"github.com/tipcall/tipcall/internal/migration"
	"github.com/tipcall/tipcall/internal/payout"
	"github.com/tipcall/tipcall/internal/provider/settlement"
	"github.com/tipcall/tipcall/internal/ratelimit"
	"github.com/tipcall/tipcall/internal/rates"
	"github.com/tipcall/tipcall/internal/riskguard"
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

		ratelimit.Module,
		ledger.Module,
		riskguard.Module,
		settlement.Module,
		payout.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
