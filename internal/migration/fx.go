package migration

import (
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	meteringdomain "github.com/tipcall/tipcall/internal/metering/domain"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite is the dev/test path; the versioned SQL targets
			// postgres, so derive the schema from the models instead.
			return conn.AutoMigrate(
				&ledgerdomain.TokenAccount{},
				&ledgerdomain.LedgerEntry{},
				&meteringdomain.CallSession{},
				&riskdomain.ActionCooldown{},
				&riskdomain.RiskFlag{},
				&riskdomain.FailedAttempt{},
				&payoutdomain.PayoutBatch{},
				&payoutdomain.PayoutItem{},
				&payoutdomain.WebhookEvent{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
