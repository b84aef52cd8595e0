package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	meteringdomain "github.com/tipcall/tipcall/internal/metering/domain"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

// blockedError carries the risk guard's structured deny reason to the
// response without losing the 403 mapping.
type blockedError struct {
	reason string
}

func (e *blockedError) Error() string { return "action_blocked: " + e.reason }

func BlockedError(reason string) error { return &blockedError{reason: reason} }

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var blocked *blockedError
	if errors.As(err, &blocked) {
		return http.StatusForbidden, errorPayload{
			Type:    "action_blocked",
			Message: "action blocked",
			Reason:  blocked.reason,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}

	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}

	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_funds", Message: "insufficient funds"}

	case errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrEntryNotFound),
		errors.Is(err, meteringdomain.ErrSessionNotFound),
		errors.Is(err, payoutdomain.ErrBatchNotFound),
		errors.Is(err, payoutdomain.ErrItemNotFound),
		errors.Is(err, payoutdomain.ErrUnknownTransfer):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}

	case errors.Is(err, ledgerdomain.ErrDuplicateEvent),
		errors.Is(err, ledgerdomain.ErrDuplicateKey),
		errors.Is(err, ledgerdomain.ErrEntryNotReversible),
		errors.Is(err, meteringdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidKey),
		errors.Is(err, ledgerdomain.ErrSameAccountTransfer),
		errors.Is(err, meteringdomain.ErrInvalidParty),
		errors.Is(err, meteringdomain.ErrSameParty),
		errors.Is(err, meteringdomain.ErrInvalidRate),
		errors.Is(err, payoutdomain.ErrInvalidSchedule):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}

	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
