package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	ledgerservice "github.com/tipcall/tipcall/internal/ledger/service"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"github.com/tipcall/tipcall/internal/provider/settlement"
	"github.com/tipcall/tipcall/internal/rates"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// riskStub allows everything except accounts on the deny list; the guard
// has its own tests.
type riskStub struct {
	denyPayout map[snowflake.ID]string
}

func (riskStub) CheckSpendLimit(context.Context, snowflake.ID, int64) (riskdomain.Decision, error) {
	return riskdomain.Allow(), nil
}

func (riskStub) CheckVelocity(context.Context, snowflake.ID, riskdomain.ActionType) (riskdomain.Decision, error) {
	return riskdomain.Allow(), nil
}

func (s riskStub) CheckPayoutEligibility(_ context.Context, id snowflake.ID) (riskdomain.Decision, error) {
	if reason, ok := s.denyPayout[id]; ok {
		return riskdomain.Deny(reason), nil
	}
	return riskdomain.Allow(), nil
}

func (riskStub) NoteFailedPurchase(context.Context, snowflake.ID) error { return nil }

func (riskStub) ListOpenFlags(context.Context, int) ([]riskdomain.RiskFlag, error) {
	return nil, nil
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func testConfig() config.Config {
	return config.Config{
		TokenRateUSDCents:   "5",
		EarningBufferWindow: 48 * time.Hour,
		MinPayoutThreshold:  50,
		PayoutChunkSize:     2,
		MaxPayoutRetries:    2,
		ProviderTimeout:     5 * time.Second,
	}
}

func setupPayout(t *testing.T, clk clock.Clock, fake *settlement.FakeAdapter, risk riskdomain.Service) (*Service, ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&ledgerdomain.TokenAccount{},
		&ledgerdomain.LedgerEntry{},
		&payoutdomain.PayoutBatch{},
		&payoutdomain.PayoutItem{},
		&payoutdomain.WebhookEvent{},
	))

	cfg := testConfig()
	converter, err := rates.NewConverter(cfg)
	require.NoError(t, err)
	node := mustNode(t)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Rates: converter,
		Cfg:   cfg,
	})
	svc := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Ledger:   ledgerSvc,
		Risk:     risk,
		Provider: fake,
	})
	return svc.(*Service), ledgerSvc, conn
}

// earningCreator sets up a creator with a payout destination and the given
// tip earnings. The caller advances the clock past the buffer window before
// cutting a batch.
func earningCreator(t *testing.T, ledgerSvc ledgerdomain.Service, name, destination string, earned int64) snowflake.ID {
	t.Helper()
	ctx := context.Background()
	account, err := ledgerSvc.CreateAccount(ctx, name)
	require.NoError(t, err)
	if destination != "" {
		require.NoError(t, ledgerSvc.SetPayoutDestination(ctx, account.ID, destination))
	}
	if earned > 0 {
		_, err = ledgerSvc.Credit(ctx, ledgerdomain.MutationRequest{
			AccountID:      account.ID,
			Amount:         earned,
			Kind:           ledgerdomain.KindTip,
			Source:         "tip:seed",
			IdempotencyKey: "seed:" + name,
		})
		require.NoError(t, err)
	}
	return account.ID
}

func payoutEntries(t *testing.T, conn *gorm.DB, accountID snowflake.ID) int {
	t.Helper()
	var n int
	err := conn.Raw(`SELECT COUNT(*) FROM ledger_entries WHERE account_id = ? AND kind = ?`,
		accountID, ledgerdomain.KindPayout).Scan(&n).Error
	require.NoError(t, err)
	return n
}

func TestCreateBatchSnapshotsEligibleCreators(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()

	var flagged snowflake.ID
	risk := riskStub{denyPayout: map[snowflake.ID]string{}}
	svc, ledgerSvc, _ := setupPayout(t, clk, fake, risk)

	alice := earningCreator(t, ledgerSvc, "alice", "acct_alice", 100)
	bob := earningCreator(t, ledgerSvc, "bob", "acct_bob", 200)
	earningCreator(t, ledgerSvc, "carol", "acct_carol", 30)          // below threshold
	earningCreator(t, ledgerSvc, "dave", "", 500)                    // no destination
	flagged = earningCreator(t, ledgerSvc, "eve", "acct_eve", 1000)  // held by riskguard
	risk.denyPayout[flagged] = riskdomain.ReasonPayoutRatio

	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, 2, res.Batch.TotalItems)
	require.Equal(t, int64(300), res.Batch.TotalAmount)

	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, alice, items[0].AccountID)
	require.Equal(t, fmt.Sprintf("%d:%d", res.Batch.ID, alice), items[0].IdempotencyKey)
	require.Equal(t, int64(100), items[0].Amount)
	require.Equal(t, bob, items[1].AccountID)
	require.Equal(t, int64(200), items[1].Amount)

	// The trigger fired twice with the same cutoff; the batch hash collapses
	// the second run onto the first.
	replay, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, res.Batch.ID, replay.Batch.ID)

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestBufferedEarningsExcludedUntilWindowElapses(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, _ := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 400)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.Batch.TotalItems)

	// No new ledger writes happen; the earnings settle purely by time, so
	// candidate selection has to recompute the projection itself.
	clk.Advance(49 * time.Hour)

	res, err = svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Batch.TotalItems)
	require.Equal(t, int64(400), res.Batch.TotalAmount)

	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, creator, items[0].AccountID)
}

func TestProcessItemSettlesAndDebitsOnce(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, conn := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, svc.processItem(ctx, items[0].ID))

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemCompleted, items[0].Status)
	require.NotEmpty(t, items[0].ProviderPayoutID)

	balance, err := ledgerSvc.Balance(ctx, creator)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.AvailableBalance)
	require.Equal(t, 1, payoutEntries(t, conn, creator))

	batch, err := svc.GetBatch(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.BatchCompleted, batch.Status)
	require.Equal(t, 1, batch.SuccessfulItems)

	// A duplicate dispatch of a completed item is a no-op.
	require.NoError(t, svc.processItem(ctx, items[0].ID))
	require.Equal(t, 1, fake.CallCount(items[0].IdempotencyKey))
	require.Equal(t, 1, payoutEntries(t, conn, creator))
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, conn := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	fake.FailOnce(items[0].IdempotencyKey)

	require.NoError(t, svc.processItem(ctx, items[0].ID))

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemRetrying, items[0].Status)
	require.Equal(t, 1, items[0].RetryCount)
	require.NotNil(t, items[0].NextAttemptAt)
	require.Equal(t, 0, payoutEntries(t, conn, creator))

	// The recovery sweep picks the item up once its backoff elapses.
	clk.Advance(settlement.RetryBackoff(1) + time.Second)
	resubmitted, err := svc.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resubmitted)

	require.NoError(t, svc.processItem(ctx, items[0].ID))

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemCompleted, items[0].Status)
	require.Equal(t, 2, fake.CallCount(items[0].IdempotencyKey))
	require.Equal(t, 1, payoutEntries(t, conn, creator))
}

func TestPermanentRejectionGoesToReview(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, conn := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	fake.RejectAlways(items[0].IdempotencyKey)

	require.NoError(t, svc.processItem(ctx, items[0].ID))

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemFailed, items[0].Status)
	require.Contains(t, items[0].LastError, "scripted rejection")

	// The creator keeps the tokens; nothing was debited.
	balance, err := ledgerSvc.Balance(ctx, creator)
	require.NoError(t, err)
	require.Equal(t, int64(300), balance.AvailableBalance)
	require.Equal(t, 0, payoutEntries(t, conn, creator))

	batch, err := svc.GetBatch(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.BatchPartial, batch.Status)
	require.Equal(t, 1, batch.FailedItems)

	review, err := svc.ListFailedForReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, review, 1)
	require.Equal(t, items[0].ID, review[0].ID)
}

func TestRetriesExhaustAfterMaxAttempts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, _ := setupPayout(t, clk, fake, riskStub{})

	earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	key := items[0].IdempotencyKey
	fake.FailOnce(key)
	fake.FailOnce(key)
	fake.FailOnce(key)

	// MaxPayoutRetries is 2 in the test config: two retries are scheduled,
	// the third transient failure fails the item for good.
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.processItem(ctx, items[0].ID))
		clk.Advance(settlement.RetryBackoff(i+1) + time.Second)
	}

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemFailed, items[0].Status)
	require.Contains(t, items[0].LastError, "retries exhausted")
	require.Equal(t, 3, fake.CallCount(key))
}

func TestPendingTransferSettledByWebhook(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, conn := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	fake.Script(items[0].IdempotencyKey, settlement.TransferResult{
		TransferID: "tr_pending_1",
		Status:     settlement.TransferPending,
	}, nil)

	require.NoError(t, svc.processItem(ctx, items[0].ID))

	// Accepted but not settled: the transfer id is recorded, the debit
	// waits for the provider's callback.
	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemProcessing, items[0].Status)
	require.Equal(t, "tr_pending_1", items[0].ProviderPayoutID)
	require.Equal(t, 0, payoutEntries(t, conn, creator))

	err = svc.ApplyProviderEvent(ctx, payoutdomain.ProviderEvent{
		ProviderEventID:  "evt_1",
		ProviderPayoutID: "tr_pending_1",
		Status:           "succeeded",
	})
	require.NoError(t, err)

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemCompleted, items[0].Status)
	require.Equal(t, 1, payoutEntries(t, conn, creator))

	// The provider redelivers the same event; the event id dedupes it.
	err = svc.ApplyProviderEvent(ctx, payoutdomain.ProviderEvent{
		ProviderEventID:  "evt_1",
		ProviderPayoutID: "tr_pending_1",
		Status:           "succeeded",
	})
	require.NoError(t, err)
	require.Equal(t, 1, payoutEntries(t, conn, creator))
}

func TestWebhookFailureFailsItem(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, conn := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	fake.Script(items[0].IdempotencyKey, settlement.TransferResult{
		TransferID: "tr_pending_2",
		Status:     settlement.TransferPending,
	}, nil)
	require.NoError(t, svc.processItem(ctx, items[0].ID))

	err = svc.ApplyProviderEvent(ctx, payoutdomain.ProviderEvent{
		ProviderEventID:  "evt_2",
		ProviderPayoutID: "tr_pending_2",
		Status:           "failed",
		FailureReason:    "destination account closed",
	})
	require.NoError(t, err)

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemFailed, items[0].Status)
	require.Equal(t, "destination account closed", items[0].LastError)
	require.Equal(t, 0, payoutEntries(t, conn, creator))
}

func TestWebhookForUnknownTransferRejected(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	svc, _, _ := setupPayout(t, clk, settlement.NewFakeAdapter(), riskStub{})

	err := svc.ApplyProviderEvent(context.Background(), payoutdomain.ProviderEvent{
		ProviderEventID:  "evt_orphan",
		ProviderPayoutID: "tr_never_issued",
		Status:           "succeeded",
	})
	require.ErrorIs(t, err, payoutdomain.ErrUnknownTransfer)
}

func TestRunRecoveryReclaimsStaleProcessing(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, _ := setupPayout(t, clk, fake, riskStub{})

	earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)

	// Simulate a worker that claimed the item and crashed before calling
	// the provider.
	require.NoError(t, svc.db.Exec(`UPDATE payout_items SET status = ?, updated_at = ? WHERE id = ?`,
		payoutdomain.ItemProcessing, clk.Now(), items[0].ID).Error)

	resubmitted, err := svc.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, resubmitted, "fresh processing items are left alone")

	clk.Advance(11 * time.Minute)
	resubmitted, err = svc.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resubmitted)

	require.NoError(t, svc.processItem(ctx, items[0].ID))
	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemCompleted, items[0].Status)
	require.Equal(t, 1, fake.CallCount(items[0].IdempotencyKey))
}

func TestSynchronousProviderFailureFailsItem(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, conn := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)

	// The provider can reject a transfer on a clean response instead of an
	// error. The item must fail outright, not wait for a callback.
	fake.Script(items[0].IdempotencyKey, settlement.TransferResult{
		TransferID: "tr_failed_1",
		Status:     settlement.TransferFailed,
	}, nil)

	require.NoError(t, svc.processItem(ctx, items[0].ID))

	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemFailed, items[0].Status)
	require.Contains(t, items[0].LastError, "transfer failed")
	require.Equal(t, 0, payoutEntries(t, conn, creator))

	batch, err := svc.GetBatch(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.BatchPartial, batch.Status)
	require.Equal(t, 1, batch.FailedItems)
}

func TestRecoverySweepRescuesStrandedPending(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, _ := setupPayout(t, clk, fake, riskStub{})

	earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	items, err := svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemPending, items[0].Status)

	// The item never left pending: its in-process dispatch was lost with a
	// restart. A fresh item is left for the workers.
	resubmitted, err := svc.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, resubmitted)

	clk.Advance(11 * time.Minute)
	resubmitted, err = svc.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resubmitted)

	require.NoError(t, svc.processItem(ctx, items[0].ID))
	items, err = svc.ListItems(ctx, res.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, payoutdomain.ItemCompleted, items[0].Status)
	require.Equal(t, 1, fake.CallCount(items[0].IdempotencyKey))
}

func TestReplayResumesUnfinishedSnapshot(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	fake := settlement.NewFakeAdapter()
	ctx := context.Background()
	svc, ledgerSvc, _ := setupPayout(t, clk, fake, riskStub{})

	creator := earningCreator(t, ledgerSvc, "creator", "acct_creator", 300)
	clk.Advance(49 * time.Hour)

	// A previous run inserted the batch row and crashed before snapshotting
	// any items.
	cutoff := clk.Now().UTC().Truncate(time.Second)
	stubID := svc.genID.Generate()
	require.NoError(t, svc.db.Exec(`
		INSERT INTO payout_batches (id, batch_hash, schedule_type, cutoff_at, status, total_items, successful_items, failed_items, total_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?)`,
		stubID, batchHash(payoutdomain.ScheduleManual, cutoff), payoutdomain.ScheduleManual,
		cutoff, payoutdomain.BatchPending, clk.Now(), clk.Now()).Error)

	res, err := svc.CreateBatch(ctx, payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleManual,
		CutoffAt:     cutoff,
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, stubID, res.Batch.ID)
	require.Equal(t, 1, res.Batch.TotalItems)
	require.Equal(t, int64(300), res.Batch.TotalAmount)

	items, err := svc.ListItems(ctx, stubID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, creator, items[0].AccountID)
}

func TestBiMonthlyScheduleAccepted(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	svc, _, _ := setupPayout(t, clk, settlement.NewFakeAdapter(), riskStub{})

	res, err := svc.CreateBatch(context.Background(), payoutdomain.CreateBatchRequest{
		ScheduleType: payoutdomain.ScheduleBiMonthly,
		CutoffAt:     clk.Now(),
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestInvalidScheduleRejected(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC))
	svc, _, _ := setupPayout(t, clk, settlement.NewFakeAdapter(), riskStub{})

	_, err := svc.CreateBatch(context.Background(), payoutdomain.CreateBatchRequest{
		ScheduleType: "hourly",
		CutoffAt:     clk.Now(),
	})
	require.ErrorIs(t, err, payoutdomain.ErrInvalidSchedule)
}
