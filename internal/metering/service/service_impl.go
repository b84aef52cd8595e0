package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	meteringdomain "github.com/tipcall/tipcall/internal/metering/domain"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
	"github.com/tipcall/tipcall/pkg/db"
	"github.com/tipcall/tipcall/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Ledger  ledgerdomain.Service
	Risk    riskdomain.Service
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	ledger  ledgerdomain.Service
	risk    riskdomain.Service
	metrics *telemetry.Metrics
	timers  *timerRegistry
}

func NewService(p Params) meteringdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("metering.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		ledger:  p.Ledger,
		risk:    p.Risk,
		metrics: p.Metrics,
		timers:  newTimerRegistry(),
	}
}

func (s *Service) Invite(ctx context.Context, req meteringdomain.InviteRequest) (*meteringdomain.CallSession, error) {
	if req.PayerID == 0 || req.PayeeID == 0 {
		return nil, meteringdomain.ErrInvalidParty
	}
	if req.PayerID == req.PayeeID {
		return nil, meteringdomain.ErrSameParty
	}
	if req.RatePerMinute <= 0 || req.MinBillableMinutes < 0 {
		return nil, meteringdomain.ErrInvalidRate
	}

	decision, err := s.risk.CheckVelocity(ctx, req.PayerID, riskdomain.ActionCallInvite)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", meteringdomain.ErrChargeBlocked, decision.Reason)
	}

	now := s.clock.Now()
	session := &meteringdomain.CallSession{
		ID:                 s.genID.Generate(),
		PayerID:            req.PayerID,
		PayeeID:            req.PayeeID,
		State:              meteringdomain.StateRinging,
		RatePerMinute:      req.RatePerMinute,
		MinBillableMinutes: req.MinBillableMinutes,
		InvitedAt:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Service) Accept(ctx context.Context, sessionID snowflake.ID) (*meteringdomain.CallSession, error) {
	var accepted *meteringdomain.CallSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State != meteringdomain.StateRinging {
			return meteringdomain.ErrInvalidTransition
		}
		now := s.clock.Now()
		session.State = meteringdomain.StateConnected
		session.ConnectedAt = &now
		session.LastMeteredAt = &now
		session.UpdatedAt = now
		accepted = session
		return tx.WithContext(ctx).Exec(
			`UPDATE call_sessions
			 SET state = ?, connected_at = ?, last_metered_at = ?, updated_at = ?
			 WHERE id = ? AND state = ?`,
			meteringdomain.StateConnected, now, now, now, sessionID, meteringdomain.StateRinging,
		).Error
	})
	if err != nil {
		return nil, err
	}

	s.startTimer(accepted.ID)
	return accepted, nil
}

func (s *Service) Decline(ctx context.Context, sessionID snowflake.ID) error {
	return s.terminateRinging(ctx, sessionID, meteringdomain.StateDeclined)
}

func (s *Service) Cancel(ctx context.Context, sessionID snowflake.ID) error {
	return s.terminateRinging(ctx, sessionID, meteringdomain.StateCancelled)
}

func (s *Service) terminateRinging(ctx context.Context, sessionID snowflake.ID, to meteringdomain.SessionState) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State != meteringdomain.StateRinging {
			return meteringdomain.ErrInvalidTransition
		}
		now := s.clock.Now()
		return tx.WithContext(ctx).Exec(
			`UPDATE call_sessions SET state = ?, ended_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
			to, now, now, sessionID, meteringdomain.StateRinging,
		).Error
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionsEnded.WithLabelValues(string(to)).Inc()
	}
	return nil
}

func (s *Service) Pause(ctx context.Context, sessionID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State != meteringdomain.StateConnected {
			return meteringdomain.ErrInvalidTransition
		}
		now := s.clock.Now()
		accumulated := session.AccumulatedBillableSeconds + elapsedSeconds(session.LastMeteredAt, now)
		return tx.WithContext(ctx).Exec(
			`UPDATE call_sessions
			 SET state = ?, paused_at = ?, accumulated_billable_seconds = ?, last_metered_at = NULL, updated_at = ?
			 WHERE id = ? AND state = ?`,
			meteringdomain.StatePaused, now, accumulated, now, sessionID, meteringdomain.StateConnected,
		).Error
	})
}

func (s *Service) Resume(ctx context.Context, sessionID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State != meteringdomain.StatePaused {
			return meteringdomain.ErrInvalidTransition
		}
		now := s.clock.Now()
		return tx.WithContext(ctx).Exec(
			`UPDATE call_sessions
			 SET state = ?, paused_at = NULL, last_metered_at = ?, updated_at = ?
			 WHERE id = ? AND state = ?`,
			meteringdomain.StateConnected, now, now, sessionID, meteringdomain.StatePaused,
		).Error
	})
}

// Tick charges whole minutes of connected time accrued since the last charged
// minute. The idempotency key is derived from (session, tick_seq) so a
// redelivered tick can never double-charge.
func (s *Service) Tick(ctx context.Context, sessionID snowflake.ID) error {
	type tickPlan struct {
		seq         int64
		unbilledMin int64
		billedMin   int64
		payerID     snowflake.ID
		payeeID     snowflake.ID
		rate        int64
	}
	var plan *tickPlan

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State != meteringdomain.StateConnected {
			return nil
		}
		now := s.clock.Now()
		accumulated := session.AccumulatedBillableSeconds + elapsedSeconds(session.LastMeteredAt, now)
		if err := tx.WithContext(ctx).Exec(
			`UPDATE call_sessions
			 SET accumulated_billable_seconds = ?, last_metered_at = ?, updated_at = ?
			 WHERE id = ? AND state = ?`,
			accumulated, now, now, sessionID, meteringdomain.StateConnected,
		).Error; err != nil {
			return err
		}

		unbilled := accumulated/60 - session.BilledMinutes
		if unbilled <= 0 {
			return nil
		}
		plan = &tickPlan{
			seq:         session.TickSeq + 1,
			unbilledMin: unbilled,
			billedMin:   session.BilledMinutes,
			payerID:     session.PayerID,
			payeeID:     session.PayeeID,
			rate:        session.RatePerMinute,
		}
		return nil
	})
	if err != nil || plan == nil {
		return err
	}

	amount := plan.unbilledMin * plan.rate
	decision, err := s.risk.CheckSpendLimit(ctx, plan.payerID, amount)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		s.log.Warn("tick blocked by spend limit, ending session",
			zap.String("session_id", sessionID.String()),
			zap.String("reason", decision.Reason),
		)
		_, endErr := s.End(ctx, sessionID)
		if endErr != nil {
			return endErr
		}
		return fmt.Errorf("%w: %s", meteringdomain.ErrChargeBlocked, decision.Reason)
	}

	// The charge and the billed_minutes advance commit together under the
	// session lock; anything that moved the session since planning (an End
	// or another tick) voids the plan instead of double-charging.
	charged := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State != meteringdomain.StateConnected ||
			session.TickSeq != plan.seq-1 ||
			session.BilledMinutes != plan.billedMin {
			return nil
		}

		result, err := s.ledger.TransferTx(ctx, tx, ledgerdomain.TransferRequest{
			FromAccountID:  plan.payerID,
			ToAccountID:    plan.payeeID,
			Amount:         amount,
			DebitKind:      ledgerdomain.KindCallCharge,
			CreditKind:     ledgerdomain.KindCallEarning,
			Source:         fmt.Sprintf("session:%s", sessionID),
			IdempotencyKey: fmt.Sprintf("%s:tick:%d", sessionID, plan.seq),
		})
		if err != nil {
			return err
		}

		chargedMinutes := plan.unbilledMin
		if result.Replayed {
			// A retried tick replays the original transfer; only the
			// minutes that transfer actually covered are billed.
			chargedMinutes = -result.DebitEntry.Amount / plan.rate
		}
		charged = true
		return tx.WithContext(ctx).Exec(
			`UPDATE call_sessions SET billed_minutes = ?, tick_seq = ?, updated_at = ? WHERE id = ?`,
			plan.billedMin+chargedMinutes, plan.seq, s.clock.Now(), sessionID,
		).Error
	})
	if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
		s.log.Warn("payer out of tokens, ending session", zap.String("session_id", sessionID.String()))
		if _, endErr := s.End(ctx, sessionID); endErr != nil {
			return endErr
		}
		return fmt.Errorf("%w: %s", meteringdomain.ErrChargeBlocked, ledgerdomain.ErrInsufficientFunds)
	}
	if err != nil {
		return err
	}
	if charged && s.metrics != nil {
		s.metrics.MeteringTicks.Inc()
	}
	return nil
}

func (s *Service) End(ctx context.Context, sessionID snowflake.ID) (*meteringdomain.CallSession, error) {
	var ended *meteringdomain.CallSession
	endedNow := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.State.Terminal() {
			ended = session
			return nil
		}
		if session.State == meteringdomain.StateRinging {
			return meteringdomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		accumulated := session.AccumulatedBillableSeconds
		if session.State == meteringdomain.StateConnected {
			accumulated += elapsedSeconds(session.LastMeteredAt, now)
		}

		// Minimum duration floor: creators are paid the configured minimum
		// even if the fan disconnects early.
		total := ceilDiv(accumulated, 60)
		if total < session.MinBillableMinutes {
			total = session.MinBillableMinutes
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE call_sessions
			 SET state = ?, ended_at = ?, accumulated_billable_seconds = ?, last_metered_at = NULL, updated_at = ?
			 WHERE id = ?`,
			meteringdomain.StateEnded, now, accumulated, now, sessionID,
		).Error; err != nil {
			return err
		}

		session.State = meteringdomain.StateEnded
		session.EndedAt = &now
		session.AccumulatedBillableSeconds = accumulated
		ended = session
		endedNow = true

		// The residual charge and the ended transition commit together
		// under the session lock, so a tick racing this End sees the final
		// billed_minutes or nothing.
		residual := total - session.BilledMinutes
		if residual <= 0 {
			return nil
		}
		_, terr := s.ledger.TransferTx(ctx, tx, ledgerdomain.TransferRequest{
			FromAccountID:  session.PayerID,
			ToAccountID:    session.PayeeID,
			Amount:         residual * session.RatePerMinute,
			DebitKind:      ledgerdomain.KindCallCharge,
			CreditKind:     ledgerdomain.KindCallEarning,
			Source:         fmt.Sprintf("session:%s", sessionID),
			IdempotencyKey: fmt.Sprintf("%s:final", sessionID),
		})
		if errors.Is(terr, ledgerdomain.ErrInsufficientFunds) {
			// The payer cannot cover the residual. The session still ends;
			// the shortfall is logged instead of blocking teardown.
			s.log.Warn("final settlement short-funded",
				zap.String("session_id", sessionID.String()),
				zap.Int64("residual_minutes", residual),
			)
			return nil
		}
		if terr != nil {
			return terr
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE call_sessions SET billed_minutes = ?, updated_at = ? WHERE id = ?`,
			total, now, sessionID,
		).Error; err != nil {
			return err
		}
		ended.BilledMinutes = total
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.stopTimer(sessionID)
	if endedNow && s.metrics != nil {
		s.metrics.SessionsEnded.WithLabelValues(string(meteringdomain.StateEnded)).Inc()
	}
	return ended, nil
}

func (s *Service) ExpireInvites(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.InviteTimeout)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE call_sessions SET state = ?, ended_at = ?, updated_at = ?
		 WHERE state = ? AND invited_at <= ?`,
		meteringdomain.StateMissed, s.clock.Now(), s.clock.Now(),
		meteringdomain.StateRinging, cutoff,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 && s.metrics != nil {
		s.metrics.SessionsEnded.WithLabelValues(string(meteringdomain.StateMissed)).Add(float64(result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

func (s *Service) Get(ctx context.Context, sessionID snowflake.ID) (*meteringdomain.CallSession, error) {
	var session meteringdomain.CallSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, meteringdomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Service) lockSession(ctx context.Context, tx *gorm.DB, sessionID snowflake.ID) (*meteringdomain.CallSession, error) {
	var session meteringdomain.CallSession
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM call_sessions WHERE id = ?`+db.RowLock(tx),
		sessionID,
	).Scan(&session).Error
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	if session.ID == 0 {
		return nil, meteringdomain.ErrSessionNotFound
	}
	return &session, nil
}

func elapsedSeconds(since *time.Time, now time.Time) int64 {
	if since == nil {
		return 0
	}
	elapsed := int64(now.Sub(*since) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func ceilDiv(n, d int64) int64 {
	return (n + d - 1) / d
}
