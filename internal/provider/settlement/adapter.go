package settlement

import (
	"context"
	"errors"
	"fmt"
)

type TransferStatus string

const (
	TransferSucceeded TransferStatus = "succeeded"
	TransferPending   TransferStatus = "pending"
	TransferFailed    TransferStatus = "failed"
)

type TransferResult struct {
	TransferID string
	Status     TransferStatus
}

var (
	// ErrTransient marks failures worth retrying: timeouts, connection
	// errors, 5xx, rate limits. A timeout is never treated as success.
	ErrTransient = errors.New("provider_transient_error")
	// ErrPermanent marks failures that retrying cannot fix: rejected
	// destinations, validation errors. These go to manual review.
	ErrPermanent = errors.New("provider_permanent_error")
)

// Adapter is the settlement provider contract. Two calls with the same
// idempotency key must never create two transfers; the provider enforces
// this on its side, which is what makes at-least-once submission safe.
type Adapter interface {
	SubmitTransfer(ctx context.Context, idempotencyKey, destination string, amountTokens int64) (TransferResult, error)
}

func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}
