package metering

import (
	"context"
	"time"

	meteringdomain "github.com/tipcall/tipcall/internal/metering/domain"
	"github.com/tipcall/tipcall/internal/metering/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// expiry scan cadence; independent of the billing tick interval.
const expireScanInterval = 15 * time.Second

var Module = fx.Module("metering.service",
	fx.Provide(service.NewService),
	fx.Invoke(runExpiryLoop),
)

func runExpiryLoop(lc fx.Lifecycle, svc meteringdomain.Service, log *zap.Logger) {
	log = log.Named("metering.expiry")
	loopCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(expireScanInterval)
				defer ticker.Stop()
				for {
					select {
					case <-loopCtx.Done():
						return
					case <-ticker.C:
						expired, err := svc.ExpireInvites(loopCtx)
						if err != nil {
							log.Warn("invite expiry scan failed", zap.Error(err))
						} else if expired > 0 {
							log.Info("expired unanswered invites", zap.Int("count", expired))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			if impl, ok := svc.(*service.Service); ok {
				impl.StopAll()
			}
			return nil
		},
	})
}
