package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	// BatchPartial means the run finished but one or more items exhausted
	// their retries or were rejected by the provider.
	BatchPartial BatchStatus = "completed_with_failures"
)

// PayoutBatch is one settlement run. BatchHash is derived from the schedule
// type and cutoff, so a re-fired trigger collapses onto the same row instead
// of creating a second run.
type PayoutBatch struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	BatchHash       string       `gorm:"type:text;not null;uniqueIndex"`
	ScheduleType    string       `gorm:"type:text;not null"`
	CutoffAt        time.Time    `gorm:"not null"`
	Status          BatchStatus  `gorm:"type:text;not null;index"`
	TotalItems      int          `gorm:"not null;default:0"`
	SuccessfulItems int          `gorm:"not null;default:0"`
	FailedItems     int          `gorm:"not null;default:0"`
	TotalAmount     int64        `gorm:"not null;default:0"` // token units
	CreatedAt       time.Time    `gorm:"not null"`
	UpdatedAt       time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (PayoutBatch) TableName() string { return "payout_batches" }

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemRetrying   ItemStatus = "retrying"
	ItemFailed     ItemStatus = "failed"
)

// PayoutItem is one creator's slice of a batch. The idempotency key is
// shared between the provider call and the ledger debit, so a crash between
// the two cannot double-pay on replay.
type PayoutItem struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	BatchID          snowflake.ID `gorm:"not null;index;uniqueIndex:ux_payout_items_batch_account,priority:1"`
	AccountID        snowflake.ID `gorm:"not null;index;uniqueIndex:ux_payout_items_batch_account,priority:2"`
	Amount           int64        `gorm:"not null"` // token units
	Destination      string       `gorm:"type:text;not null"`
	IdempotencyKey   string       `gorm:"type:text;not null;uniqueIndex"`
	Status           ItemStatus   `gorm:"type:text;not null;index"`
	RetryCount       int          `gorm:"not null;default:0"`
	MaxRetries       int          `gorm:"not null;default:3"`
	NextAttemptAt    *time.Time   `gorm:"index"`
	ProviderPayoutID string       `gorm:"type:text;not null;default:'';index"`
	LastError        string       `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time    `gorm:"not null"`
	UpdatedAt        time.Time    `gorm:"not null;index"`
}

// TableName sets the database table name.
func (PayoutItem) TableName() string { return "payout_items" }

// WebhookEvent deduplicates inbound provider callbacks by provider event id.
type WebhookEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ProviderEventID string       `gorm:"type:text;not null;uniqueIndex"`
	Kind            string       `gorm:"type:text;not null"`
	ReceivedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }
