package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"github.com/tipcall/tipcall/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// An item sitting in pending or processing longer than this is presumed
// orphaned (lost in-process dispatch, crashed worker) and is resubmitted.
// Idempotency keys make the resubmission safe even when the original call
// actually went through.
const staleDeliveryAfter = 10 * time.Minute

func (s *Service) RunRecovery(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var ids []snowflake.ID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Raw(`
			SELECT id FROM payout_items
			WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			   OR (status IN (?, ?) AND updated_at <= ?)
			ORDER BY updated_at
			LIMIT 500`+db.SkipLocked(tx),
			payoutdomain.ItemRetrying, now,
			payoutdomain.ItemPending, payoutdomain.ItemProcessing, now.Add(-staleDeliveryAfter),
		).Scan(&ids).Error
		if err != nil {
			return fmt.Errorf("scan recoverable items: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		err = tx.Exec(`UPDATE payout_items SET status = ?, updated_at = ? WHERE id IN ?`,
			payoutdomain.ItemRetrying, now, ids).Error
		if err != nil {
			return fmt.Errorf("mark items recoverable: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		s.enqueue(ctx, id)
	}
	if len(ids) > 0 {
		s.log.Info("re-dispatched recoverable payout items", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// AuditProjections recomputes every account balance from its entries and
// compares it to the cached projection. Returns how many accounts were
// checked and how many drifted.
func (s *Service) AuditProjections(ctx context.Context) (checked, drifted int, err error) {
	var accountIDs []snowflake.ID
	err = s.db.WithContext(ctx).Raw(`SELECT id FROM token_accounts ORDER BY id`).Scan(&accountIDs).Error
	if err != nil {
		return 0, 0, fmt.Errorf("list accounts for audit: %w", err)
	}

	for _, id := range accountIDs {
		audit, aerr := s.ledger.VerifyProjection(ctx, id)
		if aerr != nil {
			return checked, drifted, fmt.Errorf("verify projection for %d: %w", id, aerr)
		}
		checked++
		if !audit.Consistent {
			drifted++
			s.log.Error("balance projection drifted from ledger",
				zap.Int64("account_id", id.Int64()),
				zap.Int64("projected_available", audit.ProjectedAvailable),
				zap.Int64("derived_available", audit.DerivedAvailable),
				zap.Int64("projected_buffered", audit.ProjectedBuffered),
				zap.Int64("derived_buffered", audit.DerivedBuffered))
		}
	}
	return checked, drifted, nil
}
