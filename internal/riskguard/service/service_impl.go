package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	"github.com/tipcall/tipcall/internal/ratelimit"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// failedPurchaseWindow is the lookback for the excess-failed-purchases flag.
const failedPurchaseWindow = 15 * time.Minute

type actionLimit struct {
	rate     float64 // tokens per second
	burst    int
	cooldown time.Duration
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Cfg    config.Config
	Bucket *ratelimit.TokenBucket `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	cfg    config.Config
	bucket *ratelimit.TokenBucket
	limits map[riskdomain.ActionType]actionLimit
}

func NewService(p Params) riskdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("riskguard.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		cfg:    p.Cfg,
		bucket: p.Bucket,
		limits: map[riskdomain.ActionType]actionLimit{
			riskdomain.ActionCallInvite: {rate: 1.0 / 30, burst: 3, cooldown: p.Cfg.CallCooldown},
			riskdomain.ActionTip:        {rate: 0.5, burst: 10},
			riskdomain.ActionPurchase:   {rate: 0.2, burst: 5},
			riskdomain.ActionPayout:     {rate: 1.0 / 60, burst: 2},
		},
	}
}

func (s *Service) CheckSpendLimit(ctx context.Context, accountID snowflake.ID, amount int64) (riskdomain.Decision, error) {
	if accountID == 0 {
		return riskdomain.Deny(riskdomain.ReasonAccountNotFound), riskdomain.ErrInvalidAccount
	}
	now := s.clock.Now()

	hourly, err := s.spendSince(ctx, accountID, now.Add(-time.Hour))
	if err != nil {
		return riskdomain.Decision{}, err
	}
	if hourly+amount > s.cfg.HourlySpendCap {
		return riskdomain.Deny(riskdomain.ReasonHourlyCap), nil
	}

	daily, err := s.spendSince(ctx, accountID, now.Add(-24*time.Hour))
	if err != nil {
		return riskdomain.Decision{}, err
	}
	if daily+amount > s.cfg.DailySpendCap {
		return riskdomain.Deny(riskdomain.ReasonDailyCap), nil
	}

	return riskdomain.Allow(), nil
}

func (s *Service) CheckVelocity(ctx context.Context, accountID snowflake.ID, action riskdomain.ActionType) (riskdomain.Decision, error) {
	if accountID == 0 {
		return riskdomain.Deny(riskdomain.ReasonAccountNotFound), riskdomain.ErrInvalidAccount
	}
	limit, ok := s.limits[action]
	if !ok {
		return riskdomain.Decision{}, riskdomain.ErrInvalidAction
	}
	now := s.clock.Now()

	if limit.cooldown > 0 {
		active, err := s.cooldownActive(ctx, accountID, action, now)
		if err != nil {
			return riskdomain.Decision{}, err
		}
		if active {
			return riskdomain.Deny(riskdomain.ReasonCooldown), nil
		}
	}

	if s.bucket != nil {
		key := fmt.Sprintf("velocity:%s:%s", accountID, action)
		res, err := s.bucket.Allow(ctx, key, limit.rate, limit.burst)
		if err != nil {
			// Redis being down must not take spending offline; the
			// persisted cooldown still applies.
			s.log.Warn("velocity bucket unavailable", zap.Error(err))
		} else if !res.Allowed {
			return riskdomain.Deny(riskdomain.ReasonVelocity), nil
		}
	}

	if limit.cooldown > 0 {
		if err := s.startCooldown(ctx, accountID, action, now.Add(limit.cooldown)); err != nil {
			return riskdomain.Decision{}, err
		}
	}

	return riskdomain.Allow(), nil
}

func (s *Service) CheckPayoutEligibility(ctx context.Context, accountID snowflake.ID) (riskdomain.Decision, error) {
	if accountID == 0 {
		return riskdomain.Deny(riskdomain.ReasonAccountNotFound), riskdomain.ErrInvalidAccount
	}

	var account ledgerdomain.TokenAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		return riskdomain.Deny(riskdomain.ReasonAccountNotFound), nil
	}
	if err != nil {
		return riskdomain.Decision{}, err
	}

	now := s.clock.Now()
	if now.Sub(account.CreatedAt) < s.cfg.MinAccountAge {
		return riskdomain.Deny(riskdomain.ReasonAccountAge), nil
	}

	if account.KYCVerifiedAt == nil {
		return riskdomain.Deny(riskdomain.ReasonKYCNotVerified), nil
	}

	// At least one earning must have cleared the chargeback buffer: no
	// instant cash-out of freshly-earned, possibly-fraudulent funds.
	settled, err := s.hasSettledEarning(ctx, accountID, now.Add(-s.cfg.EarningBufferWindow))
	if err != nil {
		return riskdomain.Decision{}, err
	}
	if !settled {
		return riskdomain.Deny(riskdomain.ReasonEarningBuffer), nil
	}

	if account.LifetimeEarned > 0 {
		ratio := float64(account.LifetimePaidOut) / float64(account.LifetimeEarned)
		if ratio >= s.cfg.MaxPayoutRatio {
			if err := s.raiseFlag(ctx, accountID, riskdomain.FlagPayoutRatio,
				fmt.Sprintf("paid_out/earned ratio %.2f over %.2f", ratio, s.cfg.MaxPayoutRatio)); err != nil {
				s.log.Warn("failed to raise payout ratio flag", zap.Error(err))
			}
			return riskdomain.DenyForReview(riskdomain.ReasonPayoutRatio), nil
		}
	}

	return riskdomain.Allow(), nil
}

func (s *Service) NoteFailedPurchase(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return riskdomain.ErrInvalidAccount
	}
	now := s.clock.Now()

	if err := s.db.WithContext(ctx).Create(&riskdomain.FailedAttempt{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Action:    riskdomain.ActionPurchase,
		CreatedAt: now,
	}).Error; err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}

	var count int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM failed_attempts
		 WHERE account_id = ? AND action = ? AND created_at > ?`,
		accountID,
		riskdomain.ActionPurchase,
		now.Add(-failedPurchaseWindow),
	).Scan(&count).Error; err != nil {
		return err
	}
	if int(count) < s.cfg.FailedPurchaseLimit {
		return nil
	}

	return s.raiseFlag(ctx, accountID, riskdomain.FlagFailedPurchases,
		fmt.Sprintf("%d failed purchases within %s", count, failedPurchaseWindow))
}

func (s *Service) ListOpenFlags(ctx context.Context, limit int) ([]riskdomain.RiskFlag, error) {
	if limit <= 0 {
		limit = 50
	}
	var flags []riskdomain.RiskFlag
	err := s.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&flags).Error
	if err != nil {
		return nil, err
	}
	return flags, nil
}

func (s *Service) spendSince(ctx context.Context, accountID snowflake.ID, since time.Time) (int64, error) {
	var spent int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(-amount), 0) FROM ledger_entries
		 WHERE account_id = ? AND amount < 0 AND status = ? AND kind IN ? AND created_at > ?`,
		accountID,
		ledgerdomain.StatusCompleted,
		ledgerdomain.SpendKinds,
		since,
	).Scan(&spent).Error
	if err != nil {
		return 0, fmt.Errorf("sum spend window: %w", err)
	}
	return spent, nil
}

func (s *Service) hasSettledEarning(ctx context.Context, accountID snowflake.ID, before time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM ledger_entries
		 WHERE account_id = ? AND amount > 0 AND status = ? AND kind IN ? AND created_at <= ?`,
		accountID,
		ledgerdomain.StatusCompleted,
		ledgerdomain.EarningKinds,
		before,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) cooldownActive(ctx context.Context, accountID snowflake.ID, action riskdomain.ActionType, now time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM action_cooldowns
		 WHERE account_id = ? AND action = ? AND expires_at > ?`,
		accountID,
		action,
		now,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) startCooldown(ctx context.Context, accountID snowflake.ID, action riskdomain.ActionType, expiresAt time.Time) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE action_cooldowns SET expires_at = ?, updated_at = ?
		 WHERE account_id = ? AND action = ?`,
		expiresAt,
		now,
		accountID,
		action,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO action_cooldowns (id, account_id, action, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, action) DO NOTHING`,
		s.genID.Generate(),
		accountID,
		action,
		expiresAt,
		now,
		now,
	).Error
}

func (s *Service) raiseFlag(ctx context.Context, accountID snowflake.ID, kind riskdomain.FlagKind, detail string) error {
	var open int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM risk_flags
		 WHERE account_id = ? AND kind = ? AND resolved_at IS NULL`,
		accountID,
		kind,
	).Scan(&open).Error; err != nil {
		return err
	}
	if open > 0 {
		return nil
	}

	s.log.Warn("risk flag raised",
		zap.String("account_id", accountID.String()),
		zap.String("kind", string(kind)),
		zap.String("detail", detail),
	)
	return s.db.WithContext(ctx).Create(&riskdomain.RiskFlag{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}).Error
}
