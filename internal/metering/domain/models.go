package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SessionState is the call lifecycle:
// ringing → connected → (paused ⇄ connected)* → {ended | missed | declined | cancelled}
type SessionState string

const (
	StateRinging   SessionState = "ringing"
	StateConnected SessionState = "connected"
	StatePaused    SessionState = "paused"
	StateEnded     SessionState = "ended"
	StateMissed    SessionState = "missed"
	StateDeclined  SessionState = "declined"
	StateCancelled SessionState = "cancelled"
)

func (s SessionState) Terminal() bool {
	switch s {
	case StateEnded, StateMissed, StateDeclined, StateCancelled:
		return true
	}
	return false
}

// CallSession is owned exclusively by the metering engine; only its
// state-transition handlers mutate it.
type CallSession struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	PayerID            snowflake.ID `gorm:"not null;index"`
	PayeeID            snowflake.ID `gorm:"not null;index"`
	State              SessionState `gorm:"type:text;not null;index"`
	RatePerMinute      int64        `gorm:"not null"`
	MinBillableMinutes int64        `gorm:"not null;default:0"`

	InvitedAt     time.Time `gorm:"not null"`
	ConnectedAt   *time.Time
	LastMeteredAt *time.Time
	PausedAt      *time.Time
	EndedAt       *time.Time

	// AccumulatedBillableSeconds counts connected time only; it freezes
	// while the session is paused.
	AccumulatedBillableSeconds int64 `gorm:"not null;default:0"`
	// BilledMinutes tracks how many whole minutes the ticks have already
	// charged, so the final settlement only issues the residual.
	BilledMinutes int64 `gorm:"not null;default:0"`
	// TickSeq is the sequence number of the last charged tick; together
	// with the session id it forms the tick idempotency key.
	TickSeq int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (CallSession) TableName() string { return "call_sessions" }
