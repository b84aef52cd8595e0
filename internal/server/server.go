package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	"github.com/tipcall/tipcall/internal/ledger"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	"github.com/tipcall/tipcall/internal/metering"
	meteringdomain "github.com/tipcall/tipcall/internal/metering/domain"
	"github.com/tipcall/tipcall/internal/payout"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"github.com/tipcall/tipcall/internal/provider/settlement"
	"github.com/tipcall/tipcall/internal/ratelimit"
	"github.com/tipcall/tipcall/internal/riskguard"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ratelimit.Module,
	ledger.Module,
	riskguard.Module,
	metering.Module,
	settlement.Module,
	payout.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func registerGin(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	ledgerSvc   ledgerdomain.Service
	riskSvc     riskdomain.Service
	meteringSvc meteringdomain.Service
	payoutSvc   payoutdomain.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	LedgerSvc   ledgerdomain.Service
	RiskSvc     riskdomain.Service
	MeteringSvc meteringdomain.Service
	PayoutSvc   payoutdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		genID:       p.GenID,
		clock:       p.Clock,
		ledgerSvc:   p.LedgerSvc,
		riskSvc:     p.RiskSvc,
		meteringSvc: p.MeteringSvc,
		payoutSvc:   p.PayoutSvc,
	}

	s.registerAPIRoutes()
	s.registerHookRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.withActor())

	accounts := v1.Group("/accounts")
	{
		accounts.POST("", s.CreateAccount)
		accounts.GET("/:id/balance", s.GetBalance)
		accounts.GET("/:id/entries", s.ListEntries)
		accounts.POST("/:id/tip", s.SendTip)
		accounts.PUT("/:id/payout-destination", s.SetPayoutDestination)
		accounts.POST("/:id/kyc", s.MarkKYCVerified)
		accounts.GET("/:id/audit", s.AuditProjection)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.POST("", s.InviteCall)
		sessions.GET("/:id", s.GetSession)
		sessions.POST("/:id/accept", s.AcceptCall)
		sessions.POST("/:id/decline", s.DeclineCall)
		sessions.POST("/:id/cancel", s.CancelCall)
		sessions.POST("/:id/pause", s.PauseCall)
		sessions.POST("/:id/resume", s.ResumeCall)
		sessions.POST("/:id/end", s.EndCall)
	}

	payouts := v1.Group("/payouts")
	{
		payouts.GET("/batches/:id", s.GetBatch)
		payouts.GET("/batches/:id/items", s.ListBatchItems)
		payouts.GET("/review", s.ListFailedPayouts)
	}

	v1.GET("/risk/flags", s.ListRiskFlags)
}

func (s *Server) registerHookRoutes() {
	hooks := s.engine.Group("/hooks")

	hooks.POST("/schedule",
		requireSecret(headerScheduleSecret, s.cfg.ScheduleTriggerSecret),
		s.TriggerBatch)
	hooks.POST("/settlement", s.HandleSettlementWebhook)
	hooks.POST("/purchase", s.HandlePurchaseWebhook)
}
