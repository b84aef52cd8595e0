package payout

import (
	"context"
	"time"

	"github.com/tipcall/tipcall/internal/config"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"github.com/tipcall/tipcall/internal/payout/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// recovery scan cadence; the longer reconcile interval drives the full
// projection audit.
const recoveryScanInterval = time.Minute

var Module = fx.Module("payout.service",
	fx.Provide(service.NewService),
	fx.Invoke(runWorkers),
	fx.Invoke(runReconcileLoop),
)

func runWorkers(lc fx.Lifecycle, svc payoutdomain.Service) {
	impl, ok := svc.(*service.Service)
	if !ok {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			impl.StartWorkers()
			return nil
		},
		OnStop: func(context.Context) error {
			impl.StopWorkers()
			return nil
		},
	})
}

func runReconcileLoop(lc fx.Lifecycle, svc payoutdomain.Service, cfg config.Config, log *zap.Logger) {
	impl, ok := svc.(*service.Service)
	if !ok {
		return
	}
	log = log.Named("payout.reconcile")
	loopCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				recovery := time.NewTicker(recoveryScanInterval)
				audit := time.NewTicker(cfg.ReconcileInterval)
				defer recovery.Stop()
				defer audit.Stop()
				for {
					select {
					case <-loopCtx.Done():
						return
					case <-recovery.C:
						if _, err := svc.RunRecovery(loopCtx); err != nil {
							log.Warn("payout recovery scan failed", zap.Error(err))
						}
					case <-audit.C:
						checked, drifted, err := impl.AuditProjections(loopCtx)
						if err != nil {
							log.Warn("projection audit failed", zap.Error(err))
							continue
						}
						log.Info("projection audit finished",
							zap.Int("checked", checked),
							zap.Int("drifted", drifted))
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
