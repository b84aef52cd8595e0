package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntryKind classifies a balance-affecting event.
type EntryKind string

const (
	KindPurchase    EntryKind = "purchase"
	KindTip         EntryKind = "tip"
	KindCallCharge  EntryKind = "call_charge"
	KindCallEarning EntryKind = "call_earning"
	KindPayout      EntryKind = "payout"
	KindChargeback  EntryKind = "chargeback"
)

// EarningKinds are the kinds subject to the chargeback buffer window.
var EarningKinds = []EntryKind{KindTip, KindCallEarning}

// SpendKinds are the kinds counted against velocity spend caps.
var SpendKinds = []EntryKind{KindTip, KindCallCharge}

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusReversed  EntryStatus = "reversed"
)

// TokenAccount is the cached balance projection for one account. It is never
// authoritative on its own; every field is reconcilable from ledger_entries.
type TokenAccount struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	DisplayName       string       `gorm:"type:text;not null"`
	AvailableBalance  int64        `gorm:"not null;default:0"`
	BufferedBalance   int64        `gorm:"not null;default:0"`
	LifetimeEarned    int64        `gorm:"not null;default:0"`
	LifetimePaidOut   int64        `gorm:"not null;default:0"`
	KYCVerifiedAt     *time.Time
	PayoutDestination string    `gorm:"type:text;not null;default:''"`
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenAccount) TableName() string { return "token_accounts" }

// LedgerEntry is immutable and append-only. Corrections are new offsetting
// entries; rows are never updated beyond the pending→completed/reversed
// status transition and never deleted.
type LedgerEntry struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	AccountID       snowflake.ID `gorm:"not null;index"`
	Amount          int64        `gorm:"not null"` // signed, token units
	USDCents        int64        `gorm:"not null"` // frozen at write time
	Kind            EntryKind    `gorm:"type:text;not null;index"`
	Source          string       `gorm:"type:text;not null;default:''"`
	ProviderEventID *string      `gorm:"type:text;uniqueIndex"`
	IdempotencyKey  string       `gorm:"type:text;not null;uniqueIndex"`
	Status          EntryStatus  `gorm:"type:text;not null;index"`
	CreatedAt       time.Time    `gorm:"not null;index"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// BalanceView is the derived per-account view returned to callers.
type BalanceView struct {
	AccountID        snowflake.ID `json:"account_id"`
	AvailableBalance int64        `json:"available_balance"`
	BufferedBalance  int64        `json:"buffered_balance"`
	LifetimeEarned   int64        `json:"lifetime_earned"`
	LifetimePaidOut  int64        `json:"lifetime_paid_out"`
}

// ProjectionAudit compares the cached projection to a full recomputation
// from the entries. Drift of zero everywhere is the core invariant.
type ProjectionAudit struct {
	AccountID          snowflake.ID `json:"account_id"`
	ProjectedAvailable int64        `json:"projected_available"`
	DerivedAvailable   int64        `json:"derived_available"`
	ProjectedBuffered  int64        `json:"projected_buffered"`
	DerivedBuffered    int64        `json:"derived_buffered"`
	Consistent         bool         `json:"consistent"`
}
