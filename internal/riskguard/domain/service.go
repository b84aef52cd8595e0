package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidAction  = errors.New("invalid_action")
)

const (
	ReasonHourlyCap       = "hourly_spend_cap"
	ReasonDailyCap        = "daily_spend_cap"
	ReasonCooldown        = "action_cooldown"
	ReasonVelocity        = "action_velocity"
	ReasonAccountAge      = "account_too_young"
	ReasonEarningBuffer   = "no_settled_earnings"
	ReasonPayoutRatio     = "payout_ratio_exceeded"
	ReasonKYCNotVerified  = "kyc_not_verified"
	ReasonAccountNotFound = "account_not_found"
)

type Service interface {
	// CheckSpendLimit evaluates the hourly and daily rolling caps. Spend is
	// computed from ledger entries inside the window, never from a mutable
	// counter, so it self-heals after restarts.
	CheckSpendLimit(ctx context.Context, accountID snowflake.ID, amount int64) (Decision, error)

	CheckVelocity(ctx context.Context, accountID snowflake.ID, action ActionType) (Decision, error)

	// CheckPayoutEligibility gates settlement: account age, the chargeback
	// buffer on earnings, the lifetime paid-out/earned ratio, and the KYC
	// verification flag.
	CheckPayoutEligibility(ctx context.Context, accountID snowflake.ID) (Decision, error)

	// NoteFailedPurchase records a failed attempt; past the configured
	// threshold inside the window the account is flagged for review rather
	// than hard-blocked.
	NoteFailedPurchase(ctx context.Context, accountID snowflake.ID) error

	ListOpenFlags(ctx context.Context, limit int) ([]RiskFlag, error)
}
