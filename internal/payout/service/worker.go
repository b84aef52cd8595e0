package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"github.com/tipcall/tipcall/internal/provider/settlement"
	"github.com/tipcall/tipcall/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StartWorkers launches the delivery pool. Items arrive over the in-process
// queue; anything the process drops on the floor is picked back up by
// RunRecovery, which is what makes in-process delivery safe.
func (s *Service) StartWorkers() {
	n := s.cfg.WorkerConcurrency
	if n <= 0 {
		n = 5
	}
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			log := s.log.With(zap.Int("worker", worker))
			for {
				select {
				case <-s.stop:
					return
				case itemID := <-s.queue:
					if err := s.processItem(context.Background(), itemID); err != nil {
						log.Error("payout item delivery failed",
							zap.Int64("item_id", itemID.Int64()),
							zap.Error(err))
					}
				}
			}
		}(i)
	}
}

// StopWorkers signals the pool and waits for in-flight items to finish.
func (s *Service) StopWorkers() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) enqueue(ctx context.Context, itemID snowflake.ID) {
	select {
	case s.queue <- itemID:
	case <-s.stop:
	case <-ctx.Done():
	}
}

// processItem drives one item through claim, provider submission, and ledger
// settlement. Safe to run more than once per item: the claim update is
// conditional and both the provider and the ledger deduplicate on the item's
// idempotency key.
func (s *Service) processItem(ctx context.Context, itemID snowflake.ID) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Exec(`
		UPDATE payout_items SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		payoutdomain.ItemProcessing, now,
		itemID, payoutdomain.ItemPending, payoutdomain.ItemRetrying,
	)
	if res.Error != nil {
		return fmt.Errorf("claim payout item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another worker holds it, or it already reached a terminal state.
		return nil
	}

	var item payoutdomain.PayoutItem
	if err := s.db.WithContext(ctx).Raw(`SELECT * FROM payout_items WHERE id = ?`, itemID).Scan(&item).Error; err != nil {
		return fmt.Errorf("load payout item: %w", err)
	}
	if item.ID == 0 {
		return payoutdomain.ErrItemNotFound
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	start := s.clock.Now()
	result, err := s.provider.SubmitTransfer(callCtx, item.IdempotencyKey, item.Destination, item.Amount)
	cancel()
	if s.metrics != nil {
		s.metrics.ProviderLatency.Observe(s.clock.Now().Sub(start).Seconds())
	}

	switch {
	case err == nil && result.Status == settlement.TransferSucceeded:
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, lerr := s.lockItem(tx, item.ID)
			if lerr != nil {
				return lerr
			}
			return s.completeItemTx(ctx, tx, locked, result.TransferID)
		})

	case err == nil && result.Status == settlement.TransferFailed:
		// The provider can reject a transfer synchronously on a 2xx.
		// Without this the item would sit in processing and the stale
		// sweep would replay the same failed result forever.
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, lerr := s.lockItem(tx, item.ID)
			if lerr != nil {
				return lerr
			}
			return s.failItemTx(tx, locked, "provider reported transfer failed")
		})

	case err == nil:
		// Accepted but not yet settled. Record the transfer id and wait for
		// the provider's webhook; recovery resubmits if it never arrives.
		return s.db.WithContext(ctx).Exec(`
			UPDATE payout_items SET provider_payout_id = ?, updated_at = ? WHERE id = ?`,
			result.TransferID, s.clock.Now(), item.ID,
		).Error

	case errors.Is(err, settlement.ErrTransient):
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("transient").Inc()
		}
		return s.retryOrFail(ctx, &item, err.Error())

	default:
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("permanent").Inc()
		}
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, lerr := s.lockItem(tx, item.ID)
			if lerr != nil {
				return lerr
			}
			return s.failItemTx(tx, locked, err.Error())
		})
	}
}

// completeItemTx books the payout debit and marks the item done, in one
// transaction. The debit shares the item's idempotency key, so replaying a
// completed item cannot debit twice.
func (s *Service) completeItemTx(ctx context.Context, tx *gorm.DB, item *payoutdomain.PayoutItem, providerPayoutID string) error {
	if item.Status == payoutdomain.ItemCompleted {
		return nil
	}

	_, err := s.ledger.DebitTx(ctx, tx, ledgerdomain.MutationRequest{
		AccountID:      item.AccountID,
		Amount:         item.Amount,
		Kind:           ledgerdomain.KindPayout,
		Source:         fmt.Sprintf("payout_batch:%d", item.BatchID),
		IdempotencyKey: item.IdempotencyKey,
	})
	if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
		// The creator's balance moved between snapshot and settlement while
		// the provider transfer already went out. Surface for manual review
		// rather than leaving the books silently short.
		s.log.Error("payout settled at provider but ledger debit failed",
			zap.Int64("item_id", item.ID.Int64()),
			zap.Int64("account_id", item.AccountID.Int64()))
		return s.failItemTx(tx, item, "ledger debit rejected: "+err.Error())
	}
	if err != nil {
		return fmt.Errorf("book payout debit: %w", err)
	}

	err = tx.Exec(`
		UPDATE payout_items
		SET status = ?, provider_payout_id = ?, last_error = '', updated_at = ?
		WHERE id = ?`,
		payoutdomain.ItemCompleted, providerPayoutID, s.clock.Now(), item.ID,
	).Error
	if err != nil {
		return fmt.Errorf("complete payout item: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PayoutItems.WithLabelValues(string(payoutdomain.ItemCompleted)).Inc()
	}
	s.log.Info("payout item settled",
		zap.Int64("item_id", item.ID.Int64()),
		zap.Int64("account_id", item.AccountID.Int64()),
		zap.Int64("amount", item.Amount))
	return s.refreshBatchTx(tx, item.BatchID)
}

func (s *Service) failItemTx(tx *gorm.DB, item *payoutdomain.PayoutItem, reason string) error {
	if item.Status == payoutdomain.ItemCompleted || item.Status == payoutdomain.ItemFailed {
		return nil
	}
	err := tx.Exec(`
		UPDATE payout_items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		payoutdomain.ItemFailed, reason, s.clock.Now(), item.ID,
	).Error
	if err != nil {
		return fmt.Errorf("fail payout item: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PayoutItems.WithLabelValues(string(payoutdomain.ItemFailed)).Inc()
	}
	s.log.Warn("payout item failed",
		zap.Int64("item_id", item.ID.Int64()),
		zap.String("reason", reason))
	return s.refreshBatchTx(tx, item.BatchID)
}

// retryOrFail schedules a backoff retry, or fails the item once retries are
// exhausted.
func (s *Service) retryOrFail(ctx context.Context, item *payoutdomain.PayoutItem, reason string) error {
	attempt := item.RetryCount + 1
	if attempt > item.MaxRetries {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := s.lockItem(tx, item.ID)
			if err != nil {
				return err
			}
			return s.failItemTx(tx, locked, "retries exhausted: "+reason)
		})
	}

	nextAttempt := s.clock.Now().Add(settlement.RetryBackoff(attempt))
	err := s.db.WithContext(ctx).Exec(`
		UPDATE payout_items
		SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		payoutdomain.ItemRetrying, attempt, nextAttempt, reason, s.clock.Now(), item.ID,
	).Error
	if err != nil {
		return fmt.Errorf("schedule payout retry: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PayoutItems.WithLabelValues(string(payoutdomain.ItemRetrying)).Inc()
	}
	s.log.Info("payout item scheduled for retry",
		zap.Int64("item_id", item.ID.Int64()),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", nextAttempt))
	return nil
}

func (s *Service) lockItem(tx *gorm.DB, id snowflake.ID) (*payoutdomain.PayoutItem, error) {
	var item payoutdomain.PayoutItem
	err := tx.Raw(`SELECT * FROM payout_items WHERE id = ?`+db.RowLock(tx), id).Scan(&item).Error
	if err != nil {
		return nil, fmt.Errorf("lock payout item: %w", err)
	}
	if item.ID == 0 {
		return nil, payoutdomain.ErrItemNotFound
	}
	return &item, nil
}

// refreshBatchTx recomputes the batch aggregates from its items and rolls
// the batch status forward once every item is terminal.
func (s *Service) refreshBatchTx(tx *gorm.DB, batchID snowflake.ID) error {
	err := tx.Exec(`
		UPDATE payout_batches
		SET successful_items = (SELECT COUNT(*) FROM payout_items WHERE batch_id = ? AND status = ?),
		    failed_items = (SELECT COUNT(*) FROM payout_items WHERE batch_id = ? AND status = ?),
		    updated_at = ?
		WHERE id = ?`,
		batchID, payoutdomain.ItemCompleted,
		batchID, payoutdomain.ItemFailed,
		s.clock.Now(), batchID,
	).Error
	if err != nil {
		return fmt.Errorf("refresh batch aggregates: %w", err)
	}

	var batch payoutdomain.PayoutBatch
	if err := tx.Raw(`SELECT * FROM payout_batches WHERE id = ?`, batchID).Scan(&batch).Error; err != nil {
		return fmt.Errorf("reload batch: %w", err)
	}
	next := batchStatusFor(batch.TotalItems, batch.SuccessfulItems, batch.FailedItems)
	if next == batch.Status {
		return nil
	}
	return tx.Exec(`UPDATE payout_batches SET status = ?, updated_at = ? WHERE id = ?`,
		next, s.clock.Now(), batchID).Error
}
