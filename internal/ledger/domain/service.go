package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInvalidKey          = errors.New("invalid_idempotency_key")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrEntryNotFound       = errors.New("entry_not_found")
	ErrInsufficientFunds   = errors.New("insufficient_funds")
	ErrDuplicateKey        = errors.New("duplicate_idempotency_key")
	ErrDuplicateEvent      = errors.New("duplicate_provider_event")
	ErrEntryNotReversible  = errors.New("entry_not_reversible")
	ErrSameAccountTransfer = errors.New("same_account_transfer")
)

// MutationRequest describes one debit or credit against a single account.
type MutationRequest struct {
	AccountID       snowflake.ID
	Amount          int64 // positive token units
	Kind            EntryKind
	Source          string
	IdempotencyKey  string
	ProviderEventID *string
}

// TransferRequest moves tokens between two accounts as an atomic
// debit/credit pair sharing one logical idempotency key.
type TransferRequest struct {
	FromAccountID  snowflake.ID
	ToAccountID    snowflake.ID
	Amount         int64
	DebitKind      EntryKind
	CreditKind     EntryKind
	Source         string
	IdempotencyKey string
}

type TransferResult struct {
	DebitEntry  *LedgerEntry
	CreditEntry *LedgerEntry
	Replayed    bool
}

type Service interface {
	CreateAccount(ctx context.Context, displayName string) (*TokenAccount, error)
	Account(ctx context.Context, id snowflake.ID) (*TokenAccount, error)
	SetPayoutDestination(ctx context.Context, id snowflake.ID, destination string) error
	MarkKYCVerified(ctx context.Context, id snowflake.ID, at time.Time) error

	// Debit rejects the mutation with ErrInsufficientFunds when amount
	// exceeds the account's available balance. A repeated idempotency key
	// returns the previously-created entry.
	Debit(ctx context.Context, req MutationRequest) (*LedgerEntry, error)
	Credit(ctx context.Context, req MutationRequest) (*LedgerEntry, error)

	// DebitTx and CreditTx apply the mutation inside the caller's
	// transaction, so a ledger entry and a sibling status transition
	// commit or roll back together.
	DebitTx(ctx context.Context, tx *gorm.DB, req MutationRequest) (*LedgerEntry, error)
	CreditTx(ctx context.Context, tx *gorm.DB, req MutationRequest) (*LedgerEntry, error)

	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// TransferTx applies the pair inside the caller's transaction, so the
	// charge and the state transition that justifies it commit together.
	TransferTx(ctx context.Context, tx *gorm.DB, req TransferRequest) (*TransferResult, error)

	Balance(ctx context.Context, accountID snowflake.ID) (*BalanceView, error)
	EntriesInWindow(ctx context.Context, accountID snowflake.ID, from, to time.Time) ([]LedgerEntry, error)

	// Reverse appends an offsetting entry for a completed entry and marks
	// the original reversed. Used for chargebacks.
	Reverse(ctx context.Context, entryID snowflake.ID, idempotencyKey string, providerEventID *string) (*LedgerEntry, error)

	// RefreshProjection recomputes the cached balances from the entries.
	// Needed before balance-sensitive reads because buffered earnings
	// settle by time passing, not by a new entry arriving.
	RefreshProjection(ctx context.Context, accountID snowflake.ID) error

	VerifyProjection(ctx context.Context, accountID snowflake.ID) (*ProjectionAudit, error)
}
