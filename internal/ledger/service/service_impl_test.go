package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/tipcall/tipcall/internal/clock"
	"github.com/tipcall/tipcall/internal/config"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	"github.com/tipcall/tipcall/internal/rates"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

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
	}
}

func setupLedger(t *testing.T, clk clock.Clock) (*Service, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&ledgerdomain.TokenAccount{},
		&ledgerdomain.LedgerEntry{},
	))

	cfg := testConfig()
	converter, err := rates.NewConverter(cfg)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: mustNode(t),
		Clock: clk,
		Rates: converter,
		Cfg:   cfg,
	})
	return svc.(*Service), conn
}

func createAccount(t *testing.T, svc *Service, name string) snowflake.ID {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), name)
	require.NoError(t, err)
	return account.ID
}

func TestCreditThenDebit(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	ctx := context.Background()
	fan := createAccount(t, svc, "fan")

	entry, err := svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         100,
		Kind:           ledgerdomain.KindPurchase,
		IdempotencyKey: "purchase:1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 100, entry.Amount)
	require.EqualValues(t, 500, entry.USDCents)
	require.Equal(t, ledgerdomain.StatusCompleted, entry.Status)

	balance, err := svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance.AvailableBalance)

	_, err = svc.Debit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         30,
		Kind:           ledgerdomain.KindTip,
		IdempotencyKey: "tip:1:debit-only",
	})
	require.NoError(t, err)

	balance, err = svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 70, balance.AvailableBalance)
}

func TestDebitInsufficientFunds(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	ctx := context.Background()
	fan := createAccount(t, svc, "fan")

	_, err := svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         150,
		Kind:           ledgerdomain.KindPurchase,
		IdempotencyKey: "purchase:1",
	})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         100,
		Kind:           ledgerdomain.KindTip,
		IdempotencyKey: "tip:a",
	})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         100,
		Kind:           ledgerdomain.KindTip,
		IdempotencyKey: "tip:b",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	// No partial entry from the rejected debit.
	balance, err := svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 50, balance.AvailableBalance)
}

func TestConcurrentDebitsSingleWinner(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, conn := setupLedger(t, clk)
	ctx := context.Background()

	// Every pool connection of an in-memory sqlite gets its own database,
	// so concurrent access must share a single connection.
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	fan := createAccount(t, svc, "fan")
	_, err = svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         150,
		Kind:           ledgerdomain.KindPurchase,
		IdempotencyKey: "purchase:1",
	})
	require.NoError(t, err)

	// Both debits fit the balance on their own but not together. The row
	// lock serializes them and the loser sees the post-debit balance.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, derr := svc.Debit(ctx, ledgerdomain.MutationRequest{
				AccountID:      fan,
				Amount:         100,
				Kind:           ledgerdomain.KindTip,
				IdempotencyKey: fmt.Sprintf("spend:%d", i),
			})
			errs <- derr
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for derr := range errs {
		switch {
		case derr == nil:
			succeeded++
		case errors.Is(derr, ledgerdomain.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected debit error: %v", derr)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	balance, err := svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 50, balance.AvailableBalance)
}

func TestIdempotentReplayReturnsOriginalEntry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	ctx := context.Background()
	fan := createAccount(t, svc, "fan")

	req := ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         100,
		Kind:           ledgerdomain.KindPurchase,
		IdempotencyKey: "purchase:dup",
	}
	first, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	second, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	balance, err := svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance.AvailableBalance)
}

func TestEarningBufferWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	ctx := context.Background()
	creator := createAccount(t, svc, "creator")

	_, err := svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      creator,
		Amount:         100,
		Kind:           ledgerdomain.KindTip,
		IdempotencyKey: "tip:1:credit",
	})
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, creator)
	require.NoError(t, err)
	require.EqualValues(t, 0, balance.AvailableBalance)
	require.EqualValues(t, 100, balance.BufferedBalance)

	// Once the buffer elapses the earning becomes available on the next
	// projection refresh.
	clk.Advance(49 * time.Hour)
	_, err = svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      creator,
		Amount:         10,
		Kind:           ledgerdomain.KindPurchase,
		IdempotencyKey: "purchase:nudge",
	})
	require.NoError(t, err)

	balance, err = svc.Balance(ctx, creator)
	require.NoError(t, err)
	require.EqualValues(t, 110, balance.AvailableBalance)
	require.EqualValues(t, 0, balance.BufferedBalance)
}

func TestTransferPairAndReplay(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	ctx := context.Background()
	fan := createAccount(t, svc, "fan")
	creator := createAccount(t, svc, "creator")

	_, err := svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      fan,
		Amount:         200,
		Kind:           ledgerdomain.KindPurchase,
		IdempotencyKey: "purchase:1",
	})
	require.NoError(t, err)

	req := ledgerdomain.TransferRequest{
		FromAccountID:  fan,
		ToAccountID:    creator,
		Amount:         50,
		DebitKind:      ledgerdomain.KindTip,
		CreditKind:     ledgerdomain.KindTip,
		IdempotencyKey: "tip:xyz",
	}
	first, err := svc.Transfer(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.EqualValues(t, -50, first.DebitEntry.Amount)
	require.EqualValues(t, 50, first.CreditEntry.Amount)

	second, err := svc.Transfer(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.DebitEntry.ID, second.DebitEntry.ID)

	fanBalance, err := svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 150, fanBalance.AvailableBalance)

	creatorBalance, err := svc.Balance(ctx, creator)
	require.NoError(t, err)
	require.EqualValues(t, 50, creatorBalance.BufferedBalance)
}

func TestTransferSameAccountRejected(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	fan := createAccount(t, svc, "fan")

	_, err := svc.Transfer(context.Background(), ledgerdomain.TransferRequest{
		FromAccountID:  fan,
		ToAccountID:    fan,
		Amount:         10,
		DebitKind:      ledgerdomain.KindTip,
		CreditKind:     ledgerdomain.KindTip,
		IdempotencyKey: "tip:self",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrSameAccountTransfer)
}

func TestReverseAppendsOffsettingEntry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, conn := setupLedger(t, clk)
	ctx := context.Background()
	fan := createAccount(t, svc, "fan")

	eventID := "evt_1"
	original, err := svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:       fan,
		Amount:          100,
		Kind:            ledgerdomain.KindPurchase,
		IdempotencyKey:  "purchase:evt_1",
		ProviderEventID: &eventID,
	})
	require.NoError(t, err)

	offset, err := svc.Reverse(ctx, original.ID, "reversal:evt_2", nil)
	require.NoError(t, err)
	require.EqualValues(t, -100, offset.Amount)
	require.Equal(t, ledgerdomain.KindChargeback, offset.Kind)

	// The original is never rewritten.
	var reloaded ledgerdomain.LedgerEntry
	require.NoError(t, conn.First(&reloaded, "id = ?", original.ID).Error)
	require.Equal(t, ledgerdomain.StatusCompleted, reloaded.Status)

	balance, err := svc.Balance(ctx, fan)
	require.NoError(t, err)
	require.EqualValues(t, 0, balance.AvailableBalance)

	// Replaying the reversal returns the same offset.
	again, err := svc.Reverse(ctx, original.ID, "reversal:evt_2", nil)
	require.NoError(t, err)
	require.Equal(t, offset.ID, again.ID)
}

func TestProjectionMatchesDerivedBalances(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedger(t, clk)
	ctx := context.Background()
	creator := createAccount(t, svc, "creator")

	_, err := svc.Credit(ctx, ledgerdomain.MutationRequest{
		AccountID:      creator,
		Amount:         500,
		Kind:           ledgerdomain.KindCallEarning,
		IdempotencyKey: "call:1:final:credit",
	})
	require.NoError(t, err)
	clk.Advance(72 * time.Hour)
	_, err = svc.Debit(ctx, ledgerdomain.MutationRequest{
		AccountID:      creator,
		Amount:         200,
		Kind:           ledgerdomain.KindPayout,
		IdempotencyKey: "1:creator",
	})
	require.NoError(t, err)

	audit, err := svc.VerifyProjection(ctx, creator)
	require.NoError(t, err)
	require.True(t, audit.Consistent)
	require.EqualValues(t, 300, audit.ProjectedAvailable)
	require.EqualValues(t, 0, audit.ProjectedBuffered)
}
