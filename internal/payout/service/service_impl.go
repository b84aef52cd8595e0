package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"github.com/tipcall/tipcall/internal/provider/settlement"
	"github.com/tipcall/tipcall/internal/ratelimit"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
	"github.com/tipcall/tipcall/pkg/db"
	"github.com/tipcall/tipcall/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchLockTTL = 5 * time.Minute

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Ledger   ledgerdomain.Service
	Risk     riskdomain.Service
	Provider settlement.Adapter
	Locker   *ratelimit.Locker  `optional:"true"`
	Metrics  *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	ledger   ledgerdomain.Service
	risk     riskdomain.Service
	provider settlement.Adapter
	locker   *ratelimit.Locker
	metrics  *telemetry.Metrics

	queue chan snowflake.ID
	stop  chan struct{}
	wg    sync.WaitGroup
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payout.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		ledger:   p.Ledger,
		risk:     p.Risk,
		provider: p.Provider,
		locker:   p.Locker,
		metrics:  p.Metrics,
		queue:    make(chan snowflake.ID, 1024),
		stop:     make(chan struct{}),
	}
}

func (s *Service) CreateBatch(ctx context.Context, req payoutdomain.CreateBatchRequest) (*payoutdomain.CreateBatchResult, error) {
	switch req.ScheduleType {
	case payoutdomain.ScheduleDaily, payoutdomain.ScheduleWeekly,
		payoutdomain.ScheduleBiMonthly, payoutdomain.ScheduleManual:
	default:
		return nil, payoutdomain.ErrInvalidSchedule
	}
	cutoff := req.CutoffAt.UTC().Truncate(time.Second)
	if cutoff.IsZero() {
		cutoff = s.clock.Now().Truncate(time.Second)
	}
	hash := batchHash(req.ScheduleType, cutoff)

	// Best-effort cross-instance lock; the unique batch hash is what
	// actually prevents a double run.
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, "payout:batch:"+hash, batchLockTTL)
		if err != nil {
			s.log.Warn("batch lock unavailable, relying on batch hash", zap.Error(err))
		} else if !ok {
			s.log.Info("batch lock held elsewhere, replaying by hash", zap.String("hash", hash))
		} else {
			defer func() { _ = s.locker.Release(context.Background(), "payout:batch:"+hash, token) }()
		}
	}

	now := s.clock.Now()
	batch := &payoutdomain.PayoutBatch{
		ID:           s.genID.Generate(),
		BatchHash:    hash,
		ScheduleType: req.ScheduleType,
		CutoffAt:     cutoff,
		Status:       payoutdomain.BatchPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO payout_batches (id, batch_hash, schedule_type, cutoff_at, status, total_items, successful_items, failed_items, total_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?)
		ON CONFLICT (batch_hash) DO NOTHING`,
		batch.ID, batch.BatchHash, batch.ScheduleType, batch.CutoffAt, batch.Status, batch.CreatedAt, batch.UpdatedAt,
	)
	if res.Error != nil {
		return nil, fmt.Errorf("create payout batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := s.batchByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		// Still pending means the run that created the row crashed before
		// finishing its snapshot; resume it instead of replaying a stub.
		if existing.Status == payoutdomain.BatchPending {
			if err := s.populateBatch(ctx, existing); err != nil {
				return nil, err
			}
		}
		return &payoutdomain.CreateBatchResult{Batch: existing, Replayed: true}, nil
	}

	if s.metrics != nil {
		s.metrics.BatchRuns.Inc()
	}

	if err := s.populateBatch(ctx, batch); err != nil {
		return nil, err
	}
	return &payoutdomain.CreateBatchResult{Batch: batch, Replayed: false}, nil
}

// populateBatch snapshots eligible creators into items and hands them to the
// worker pool in chunks.
func (s *Service) populateBatch(ctx context.Context, batch *payoutdomain.PayoutBatch) error {
	type candidate struct {
		ID                snowflake.ID
		PayoutDestination string
	}
	var candidates []candidate
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, payout_destination
		FROM token_accounts
		WHERE payout_destination <> ''
		ORDER BY id`,
	).Scan(&candidates).Error
	if err != nil {
		return fmt.Errorf("list payout candidates: %w", err)
	}

	now := s.clock.Now()
	for _, c := range candidates {
		// Buffered earnings settle by time alone, so the cached balance
		// can undercount; recompute before snapshotting.
		if err := s.ledger.RefreshProjection(ctx, c.ID); err != nil {
			return fmt.Errorf("refresh projection for %d: %w", c.ID, err)
		}
		balance, err := s.ledger.Balance(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("balance for %d: %w", c.ID, err)
		}
		if balance.AvailableBalance < s.cfg.MinPayoutThreshold {
			continue
		}

		decision, err := s.risk.CheckPayoutEligibility(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("payout eligibility for %d: %w", c.ID, err)
		}
		if !decision.Allowed {
			s.log.Info("creator skipped from batch",
				zap.Int64("account_id", c.ID.Int64()),
				zap.String("reason", decision.Reason))
			continue
		}

		item := payoutdomain.PayoutItem{
			ID:             s.genID.Generate(),
			BatchID:        batch.ID,
			AccountID:      c.ID,
			Amount:         balance.AvailableBalance,
			Destination:    c.PayoutDestination,
			IdempotencyKey: fmt.Sprintf("%d:%d", batch.ID, c.ID),
			Status:         payoutdomain.ItemPending,
			MaxRetries:     s.cfg.MaxPayoutRetries,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		res := s.db.WithContext(ctx).Exec(`
			INSERT INTO payout_items (id, batch_id, account_id, amount, destination, idempotency_key, status, retry_count, max_retries, provider_payout_id, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', '', ?, ?)
			ON CONFLICT (batch_id, account_id) DO NOTHING`,
			item.ID, item.BatchID, item.AccountID, item.Amount, item.Destination, item.IdempotencyKey, item.Status, item.MaxRetries, item.CreatedAt, item.UpdatedAt,
		)
		if res.Error != nil {
			return fmt.Errorf("enqueue payout item: %w", res.Error)
		}
	}

	// Seal from the table, not the in-memory loop, so a resumed snapshot
	// counts items a crashed run already inserted.
	var agg struct {
		Total     int
		Succeeded int
		Failed    int
		Amount    int64
	}
	err = s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
		       COALESCE(SUM(amount), 0) AS amount
		FROM payout_items WHERE batch_id = ?`,
		payoutdomain.ItemCompleted, payoutdomain.ItemFailed, batch.ID,
	).Scan(&agg).Error
	if err != nil {
		return fmt.Errorf("aggregate payout items: %w", err)
	}

	status := batchStatusFor(agg.Total, agg.Succeeded, agg.Failed)
	err = s.db.WithContext(ctx).Exec(`
		UPDATE payout_batches
		SET total_items = ?, total_amount = ?, successful_items = ?, failed_items = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		agg.Total, agg.Amount, agg.Succeeded, agg.Failed, status, s.clock.Now(), batch.ID,
	).Error
	if err != nil {
		return fmt.Errorf("seal payout batch: %w", err)
	}
	batch.TotalItems = agg.Total
	batch.TotalAmount = agg.Amount
	batch.SuccessfulItems = agg.Succeeded
	batch.FailedItems = agg.Failed
	batch.Status = status

	s.log.Info("payout batch snapshot sealed",
		zap.Int64("batch_id", batch.ID.Int64()),
		zap.String("schedule", batch.ScheduleType),
		zap.Int("items", agg.Total),
		zap.Int64("total_amount", agg.Amount))

	var pendingIDs []snowflake.ID
	err = s.db.WithContext(ctx).Raw(`
		SELECT id FROM payout_items WHERE batch_id = ? AND status = ? ORDER BY id`,
		batch.ID, payoutdomain.ItemPending,
	).Scan(&pendingIDs).Error
	if err != nil {
		return fmt.Errorf("list pending payout items: %w", err)
	}

	chunk := s.cfg.PayoutChunkSize
	if chunk <= 0 {
		chunk = 25
	}
	for start := 0; start < len(pendingIDs); start += chunk {
		end := start + chunk
		if end > len(pendingIDs) {
			end = len(pendingIDs)
		}
		for _, id := range pendingIDs[start:end] {
			s.enqueue(ctx, id)
		}
	}
	return nil
}

func (s *Service) GetBatch(ctx context.Context, id snowflake.ID) (*payoutdomain.PayoutBatch, error) {
	var batch payoutdomain.PayoutBatch
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM payout_batches WHERE id = ?`, id).
		Scan(&batch).Error
	if err != nil {
		return nil, fmt.Errorf("load payout batch: %w", err)
	}
	if batch.ID == 0 {
		return nil, payoutdomain.ErrBatchNotFound
	}
	return &batch, nil
}

func (s *Service) ListItems(ctx context.Context, batchID snowflake.ID) ([]payoutdomain.PayoutItem, error) {
	var items []payoutdomain.PayoutItem
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM payout_items WHERE batch_id = ? ORDER BY id`, batchID).
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list payout items: %w", err)
	}
	return items, nil
}

func (s *Service) ListFailedForReview(ctx context.Context, limit int) ([]payoutdomain.PayoutItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []payoutdomain.PayoutItem
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM payout_items WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
			payoutdomain.ItemFailed, limit).
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list failed payout items: %w", err)
	}
	return items, nil
}

func (s *Service) ApplyProviderEvent(ctx context.Context, event payoutdomain.ProviderEvent) error {
	if event.ProviderEventID == "" || event.ProviderPayoutID == "" {
		return payoutdomain.ErrUnknownTransfer
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
			INSERT INTO webhook_events (id, provider_event_id, kind, received_at)
			VALUES (?, ?, 'settlement', ?)
			ON CONFLICT (provider_event_id) DO NOTHING`,
			s.genID.Generate(), event.ProviderEventID, s.clock.Now(),
		)
		if res.Error != nil {
			return fmt.Errorf("record webhook event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Redelivery of an event we already folded in.
			return nil
		}

		var item payoutdomain.PayoutItem
		err := tx.Raw(`SELECT * FROM payout_items WHERE provider_payout_id = ?`+db.RowLock(tx), event.ProviderPayoutID).
			Scan(&item).Error
		if err != nil {
			return fmt.Errorf("load payout item by transfer: %w", err)
		}
		if item.ID == 0 {
			return payoutdomain.ErrUnknownTransfer
		}

		switch event.Status {
		case "succeeded":
			return s.completeItemTx(ctx, tx, &item, event.ProviderPayoutID)
		case "failed":
			reason := event.FailureReason
			if reason == "" {
				reason = "provider reported failure"
			}
			return s.failItemTx(tx, &item, reason)
		default:
			s.log.Warn("ignoring provider event with unknown status",
				zap.String("status", event.Status),
				zap.String("event_id", event.ProviderEventID))
			return nil
		}
	})
}

func (s *Service) batchByHash(ctx context.Context, hash string) (*payoutdomain.PayoutBatch, error) {
	var batch payoutdomain.PayoutBatch
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM payout_batches WHERE batch_hash = ?`, hash).
		Scan(&batch).Error
	if err != nil {
		return nil, fmt.Errorf("load payout batch by hash: %w", err)
	}
	if batch.ID == 0 {
		return nil, payoutdomain.ErrBatchNotFound
	}
	return &batch, nil
}

func batchHash(scheduleType string, cutoff time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", scheduleType, cutoff.Unix())))
	return hex.EncodeToString(sum[:])
}

func batchStatusFor(total, succeeded, failed int) payoutdomain.BatchStatus {
	switch {
	case total == 0:
		return payoutdomain.BatchCompleted
	case succeeded+failed < total:
		return payoutdomain.BatchRunning
	case failed > 0:
		return payoutdomain.BatchPartial
	default:
		return payoutdomain.BatchCompleted
	}
}
