package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	"github.com/tipcall/tipcall/internal/rates"
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
	Rates   *rates.Converter
	Cfg     config.Config
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	rates        *rates.Converter
	bufferWindow time.Duration
	metrics      *telemetry.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		rates:        p.Rates,
		bufferWindow: p.Cfg.EarningBufferWindow,
		metrics:      p.Metrics,
	}
}

func (s *Service) Debit(ctx context.Context, req ledgerdomain.MutationRequest) (*ledgerdomain.LedgerEntry, error) {
	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.MutationRequest) (*ledgerdomain.LedgerEntry, error) {
	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.MutationRequest) (*ledgerdomain.LedgerEntry, error) {
	return s.applyTx(ctx, tx, req, -1)
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.MutationRequest) (*ledgerdomain.LedgerEntry, error) {
	return s.applyTx(ctx, tx, req, +1)
}

// applyTx serializes all mutations for one account behind its row lock,
// re-derives the balance from the entries, and keeps the projection in step
// with the insert inside the same transaction.
func (s *Service) applyTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.MutationRequest, sign int64) (*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if !validKind(req.Kind) {
		return nil, ledgerdomain.ErrInvalidKind
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidKey
	}

	if _, err := s.lockAccount(ctx, tx, req.AccountID); err != nil {
		return nil, err
	}

	// Replay-safety under at-least-once delivery: a repeated key returns
	// the entry the first delivery created.
	if existing, err := s.findByKey(ctx, tx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	derived, err := s.deriveBalances(ctx, tx, req.AccountID, now)
	if err != nil {
		return nil, err
	}

	if sign < 0 && req.Amount > derived.available {
		if s.metrics != nil {
			s.metrics.LedgerRejections.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, ledgerdomain.ErrInsufficientFunds
	}

	amount := sign * req.Amount
	entry := &ledgerdomain.LedgerEntry{
		ID:              s.genID.Generate(),
		AccountID:       req.AccountID,
		Amount:          amount,
		USDCents:        s.rates.USDCents(amount),
		Kind:            req.Kind,
		Source:          req.Source,
		ProviderEventID: req.ProviderEventID,
		IdempotencyKey:  key,
		Status:          ledgerdomain.StatusCompleted,
		CreatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost a race while holding the account lock; the event or
			// key was already applied elsewhere.
			if req.ProviderEventID != nil {
				return nil, ledgerdomain.ErrDuplicateEvent
			}
			return nil, ledgerdomain.ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := s.refreshProjection(ctx, tx, req.AccountID, now); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(req.Kind)).Inc()
	}
	return entry, nil
}

func (s *Service) Transfer(ctx context.Context, req ledgerdomain.TransferRequest) (*ledgerdomain.TransferResult, error) {
	var result *ledgerdomain.TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.TransferTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) TransferTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.TransferRequest) (*ledgerdomain.TransferResult, error) {
	if req.FromAccountID == 0 || req.ToAccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ledgerdomain.ErrSameAccountTransfer
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidKey
	}

	// Lock both accounts in id order so concurrent transfers between the
	// same pair cannot deadlock.
	first, second := req.FromAccountID, req.ToAccountID
	if second < first {
		first, second = second, first
	}
	if _, err := s.lockAccount(ctx, tx, first); err != nil {
		return nil, err
	}
	if _, err := s.lockAccount(ctx, tx, second); err != nil {
		return nil, err
	}

	result := &ledgerdomain.TransferResult{}
	if existing, err := s.findByKey(ctx, tx, key+":debit"); err != nil {
		return nil, err
	} else if existing != nil {
		result.Replayed = true
	}

	debit, err := s.applyTx(ctx, tx, ledgerdomain.MutationRequest{
		AccountID:      req.FromAccountID,
		Amount:         req.Amount,
		Kind:           req.DebitKind,
		Source:         req.Source,
		IdempotencyKey: key + ":debit",
	}, -1)
	if err != nil {
		return nil, err
	}
	credit, err := s.applyTx(ctx, tx, ledgerdomain.MutationRequest{
		AccountID:      req.ToAccountID,
		Amount:         req.Amount,
		Kind:           req.CreditKind,
		Source:         req.Source,
		IdempotencyKey: key + ":credit",
	}, +1)
	if err != nil {
		return nil, err
	}

	result.DebitEntry = debit
	result.CreditEntry = credit
	return result, nil
}

func (s *Service) Balance(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.BalanceView, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	var account ledgerdomain.TokenAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ledgerdomain.BalanceView{
		AccountID:        account.ID,
		AvailableBalance: account.AvailableBalance,
		BufferedBalance:  account.BufferedBalance,
		LifetimeEarned:   account.LifetimeEarned,
		LifetimePaidOut:  account.LifetimePaidOut,
	}, nil
}

func (s *Service) EntriesInWindow(ctx context.Context, accountID snowflake.ID, from, to time.Time) ([]ledgerdomain.LedgerEntry, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND created_at >= ? AND created_at < ?", accountID, from.UTC(), to.UTC()).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) Reverse(ctx context.Context, entryID snowflake.ID, idempotencyKey string, providerEventID *string) (*ledgerdomain.LedgerEntry, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidKey
	}

	var offset *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original ledgerdomain.LedgerEntry
		err := tx.WithContext(ctx).Raw(
			`SELECT * FROM ledger_entries WHERE id = ?`+db.RowLock(tx),
			entryID,
		).Scan(&original).Error
		if err != nil {
			return err
		}
		if original.ID == 0 {
			return ledgerdomain.ErrEntryNotFound
		}

		if _, err := s.lockAccount(ctx, tx, original.AccountID); err != nil {
			return err
		}

		switch original.Status {
		case ledgerdomain.StatusPending:
			// A pending entry never counted toward any balance; marking it
			// reversed is the whole correction.
			return tx.WithContext(ctx).Exec(
				`UPDATE ledger_entries SET status = ? WHERE id = ? AND status = ?`,
				ledgerdomain.StatusReversed, original.ID, ledgerdomain.StatusPending,
			).Error
		case ledgerdomain.StatusCompleted:
			// Completed entries stay completed; the correction is a new
			// offsetting chargeback entry.
		default:
			return ledgerdomain.ErrEntryNotReversible
		}

		if existing, err := s.findByKey(ctx, tx, key); err != nil {
			return err
		} else if existing != nil {
			offset = existing
			return nil
		}

		now := s.clock.Now()
		offset = &ledgerdomain.LedgerEntry{
			ID:              s.genID.Generate(),
			AccountID:       original.AccountID,
			Amount:          -original.Amount,
			USDCents:        s.rates.USDCents(-original.Amount),
			Kind:            ledgerdomain.KindChargeback,
			Source:          fmt.Sprintf("reversal:%s", original.ID),
			ProviderEventID: providerEventID,
			IdempotencyKey:  key,
			Status:          ledgerdomain.StatusCompleted,
			CreatedAt:       now,
		}
		if err := tx.WithContext(ctx).Create(offset).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ledgerdomain.ErrDuplicateEvent
			}
			return err
		}
		return s.refreshProjection(ctx, tx, original.AccountID, now)
	})
	if err != nil {
		return nil, err
	}
	return offset, nil
}

func (s *Service) RefreshProjection(ctx context.Context, accountID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockAccount(ctx, tx, accountID); err != nil {
			return err
		}
		return s.refreshProjection(ctx, tx, accountID, s.clock.Now())
	})
}

func (s *Service) VerifyProjection(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.ProjectionAudit, error) {
	var account ledgerdomain.TokenAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	derived, err := s.deriveBalances(ctx, s.db, accountID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	return &ledgerdomain.ProjectionAudit{
		AccountID:          accountID,
		ProjectedAvailable: account.AvailableBalance,
		DerivedAvailable:   derived.available,
		ProjectedBuffered:  account.BufferedBalance,
		DerivedBuffered:    derived.buffered,
		Consistent: account.AvailableBalance == derived.available &&
			account.BufferedBalance == derived.buffered,
	}, nil
}

type derivedBalances struct {
	available int64
	buffered  int64
	earned    int64
	paidOut   int64
}

// deriveBalances recomputes every projection field from completed entries.
// available excludes earnings still inside the chargeback buffer window.
func (s *Service) deriveBalances(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) (derivedBalances, error) {
	var d derivedBalances
	bufferFloor := now.Add(-s.bufferWindow)

	row := struct {
		Total    int64
		Buffered int64
		Earned   int64
		PaidOut  int64
	}{}
	err := tx.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(amount), 0) AS total,
			COALESCE(SUM(CASE WHEN kind IN ? AND amount > 0 AND created_at > ? THEN amount ELSE 0 END), 0) AS buffered,
			COALESCE(SUM(CASE WHEN kind IN ? AND amount > 0 THEN amount ELSE 0 END), 0) AS earned,
			COALESCE(SUM(CASE WHEN kind = ? AND amount < 0 THEN -amount ELSE 0 END), 0) AS paid_out
		 FROM ledger_entries
		 WHERE account_id = ? AND status = ?`,
		ledgerdomain.EarningKinds, bufferFloor,
		ledgerdomain.EarningKinds,
		ledgerdomain.KindPayout,
		accountID,
		ledgerdomain.StatusCompleted,
	).Scan(&row).Error
	if err != nil {
		return d, fmt.Errorf("derive balances: %w", err)
	}

	d.buffered = row.Buffered
	d.available = row.Total - row.Buffered
	d.earned = row.Earned
	d.paidOut = row.PaidOut
	return d, nil
}

func (s *Service) refreshProjection(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) error {
	derived, err := s.deriveBalances(ctx, tx, accountID, now)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE token_accounts
		 SET available_balance = ?, buffered_balance = ?, lifetime_earned = ?, lifetime_paid_out = ?, updated_at = ?
		 WHERE id = ?`,
		derived.available,
		derived.buffered,
		derived.earned,
		derived.paidOut,
		now,
		accountID,
	).Error
}

func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*ledgerdomain.TokenAccount, error) {
	var account ledgerdomain.TokenAccount
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM token_accounts WHERE id = ?`+db.RowLock(tx),
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if account.ID == 0 {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return &account, nil
}

func (s *Service) findByKey(ctx context.Context, tx *gorm.DB, key string) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := tx.WithContext(ctx).First(&entry, "idempotency_key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func validKind(kind ledgerdomain.EntryKind) bool {
	switch kind {
	case ledgerdomain.KindPurchase, ledgerdomain.KindTip, ledgerdomain.KindCallCharge,
		ledgerdomain.KindCallEarning, ledgerdomain.KindPayout, ledgerdomain.KindChargeback:
		return true
	}
	return false
}
