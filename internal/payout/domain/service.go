package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidSchedule = errors.New("invalid_schedule_type")
	ErrBatchNotFound   = errors.New("batch_not_found")
	ErrItemNotFound    = errors.New("payout_item_not_found")
	ErrUnknownTransfer = errors.New("unknown_provider_transfer")
)

// ScheduleTypes accepted by the trigger endpoint.
const (
	ScheduleDaily     = "daily"
	ScheduleWeekly    = "weekly"
	ScheduleBiMonthly = "bi_monthly"
	ScheduleManual    = "manual"
)

type CreateBatchRequest struct {
	ScheduleType string
	CutoffAt     time.Time
}

// CreateBatchResult reports whether the call materialized a new run or
// replayed onto an existing one.
type CreateBatchResult struct {
	Batch    *PayoutBatch
	Replayed bool
}

// ProviderEvent is a status callback from the settlement provider.
type ProviderEvent struct {
	ProviderEventID  string
	ProviderPayoutID string
	Status           string // succeeded | failed
	FailureReason    string
}

type Service interface {
	// CreateBatch snapshots every eligible creator at the cutoff, enqueues
	// one item per creator, and starts delivery. Calling it twice with the
	// same schedule and cutoff returns the original batch untouched.
	CreateBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchResult, error)

	GetBatch(ctx context.Context, id snowflake.ID) (*PayoutBatch, error)
	ListItems(ctx context.Context, batchID snowflake.ID) ([]PayoutItem, error)

	// ListFailedForReview returns items that exhausted their retries or hit
	// a permanent provider rejection, newest first.
	ListFailedForReview(ctx context.Context, limit int) ([]PayoutItem, error)

	// ApplyProviderEvent folds an asynchronous provider callback into the
	// matching item. Duplicate events (by provider event id) are dropped.
	ApplyProviderEvent(ctx context.Context, event ProviderEvent) error

	// RunRecovery re-enqueues items whose retry backoff elapsed and items
	// stranded in processing by a crashed worker. Returns how many it
	// re-dispatched.
	RunRecovery(ctx context.Context) (int, error)
}
