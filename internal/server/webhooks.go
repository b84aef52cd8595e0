package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
	"go.uber.org/zap"
)

type settlementEvent struct {
	ID            string `json:"id"`
	TransferID    string `json:"transfer_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

// HandleSettlementWebhook folds asynchronous transfer results into payout
// items. Signature first, dedup second, mutation last.
func (s *Server) HandleSettlementWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if !verifySignature(c, s.cfg.SettlementWebhookSecret, body) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var event settlementEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.payoutSvc.ApplyProviderEvent(c.Request.Context(), payoutdomain.ProviderEvent{
		ProviderEventID:  event.ID,
		ProviderPayoutID: event.TransferID,
		Status:           event.Status,
		FailureReason:    event.FailureReason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type purchaseEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // purchase.succeeded | purchase.failed | purchase.reversed
	AccountID int64  `json:"account_id"`
	Tokens    int64  `json:"tokens"`
	// For reversals, the event id of the original purchase.
	OriginalEventID string `json:"original_event_id"`
}

// HandlePurchaseWebhook is the payment provider's token-purchase callback.
// Successful purchases credit the fan; failures feed the fraud flagging
// window; reversals append an offsetting chargeback entry.
func (s *Server) HandlePurchaseWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if !verifySignature(c, s.cfg.PurchaseWebhookSecret, body) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var event purchaseEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ctx := c.Request.Context()

	switch event.Type {
	case "purchase.succeeded":
		eventID := event.ID
		_, err := s.ledgerSvc.Credit(ctx, ledgerdomain.MutationRequest{
			AccountID:       snowflake.ID(event.AccountID),
			Amount:          event.Tokens,
			Kind:            ledgerdomain.KindPurchase,
			Source:          "purchase_webhook",
			IdempotencyKey:  "purchase:" + eventID,
			ProviderEventID: &eventID,
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
			AbortWithError(c, err)
			return
		}

	case "purchase.failed":
		if err := s.riskSvc.NoteFailedPurchase(ctx, snowflake.ID(event.AccountID)); err != nil {
			AbortWithError(c, err)
			return
		}

	case "purchase.reversed":
		if event.OriginalEventID == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		var entryID snowflake.ID
		err := s.db.WithContext(ctx).
			Raw(`SELECT id FROM ledger_entries WHERE provider_event_id = ?`, event.OriginalEventID).
			Scan(&entryID).Error
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if entryID == 0 {
			AbortWithError(c, ledgerdomain.ErrEntryNotFound)
			return
		}
		eventID := event.ID
		_, err = s.ledgerSvc.Reverse(ctx, entryID, "reversal:"+eventID, &eventID)
		if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
			AbortWithError(c, err)
			return
		}

	default:
		s.log.Warn("ignoring purchase event with unknown type", zap.String("type", event.Type))
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
