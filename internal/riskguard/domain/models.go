package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ActionType names a rate-limited account action.
type ActionType string

const (
	ActionCallInvite ActionType = "call_invite"
	ActionTip        ActionType = "tip"
	ActionPurchase   ActionType = "purchase"
	ActionPayout     ActionType = "payout"
)

// ActionCooldown is a persisted, keyed cooldown with explicit expiry, so
// limits survive process restarts and hold across service instances.
type ActionCooldown struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;uniqueIndex:ux_action_cooldowns_account_action,priority:1"`
	Action    ActionType   `gorm:"type:text;not null;uniqueIndex:ux_action_cooldowns_account_action,priority:2"`
	ExpiresAt time.Time    `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (ActionCooldown) TableName() string { return "action_cooldowns" }

type FlagKind string

const (
	FlagFailedPurchases FlagKind = "failed_purchases"
	FlagPayoutRatio     FlagKind = "payout_ratio"
)

// RiskFlag is a reviewable alert. Flags never block by themselves; callers
// decide what a flagged account may still do.
type RiskFlag struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	AccountID  snowflake.ID `gorm:"not null;index"`
	Kind       FlagKind     `gorm:"type:text;not null"`
	Detail     string       `gorm:"type:text;not null;default:''"`
	ResolvedAt *time.Time
	CreatedAt  time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (RiskFlag) TableName() string { return "risk_flags" }

// FailedAttempt records a failed purchase so the flagging window can be
// recomputed from storage after a restart.
type FailedAttempt struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;index"`
	Action    ActionType   `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;index"`
}

// TableName sets the database table name.
func (FailedAttempt) TableName() string { return "failed_attempts" }

// Decision is the structured allow/deny result every check returns. The
// guard never mutates the ledger; callers consult the decision before they
// invoke it.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	RequiresReview bool   `json:"requires_review,omitempty"`
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func DenyForReview(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, RequiresReview: true}
}
