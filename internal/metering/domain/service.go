package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSessionNotFound   = errors.New("session_not_found")
	ErrInvalidParty      = errors.New("invalid_party")
	ErrSameParty         = errors.New("same_party_call")
	ErrInvalidRate       = errors.New("invalid_rate")
	ErrInvalidTransition = errors.New("invalid_state_transition")
	ErrChargeBlocked     = errors.New("charge_blocked")
)

type InviteRequest struct {
	PayerID            snowflake.ID
	PayeeID            snowflake.ID
	RatePerMinute      int64
	MinBillableMinutes int64
}

type Service interface {
	// Invite creates a ringing session. The invitation expires to missed
	// if it is not accepted within the configured window.
	Invite(ctx context.Context, req InviteRequest) (*CallSession, error)

	// Accept transitions ringing → connected and starts the metering timer.
	Accept(ctx context.Context, sessionID snowflake.ID) (*CallSession, error)
	Decline(ctx context.Context, sessionID snowflake.ID) error
	Cancel(ctx context.Context, sessionID snowflake.ID) error

	// Pause freezes accrual; Resume restarts it. No charge accrues while
	// paused.
	Pause(ctx context.Context, sessionID snowflake.ID) error
	Resume(ctx context.Context, sessionID snowflake.ID) error

	// End performs final settlement: billed minutes are rounded up and
	// floored at the session's minimum, and the residual is charged.
	End(ctx context.Context, sessionID snowflake.ID) (*CallSession, error)

	// Tick issues the incremental charge for connected time since the last
	// tick. Exposed for the timer loop and for deterministic tests.
	Tick(ctx context.Context, sessionID snowflake.ID) error

	// ExpireInvites moves overdue ringing sessions to missed; they never
	// start metering.
	ExpireInvites(ctx context.Context) (int, error)

	Get(ctx context.Context, sessionID snowflake.ID) (*CallSession, error)
}
