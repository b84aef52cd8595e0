package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/tipcall/tipcall/internal/authorization"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	riskdomain "github.com/tipcall/tipcall/internal/riskguard/domain"
)

type createAccountRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	if !s.authorize(c, authorization.ActionUpdateAccount, currentActor(c).AccountID) {
		return
	}
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	account, err := s.ledgerSvc.CreateAccount(c.Request.Context(), req.DisplayName)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetBalance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionViewBalance, id) {
		return
	}
	balance, err := s.ledgerSvc.Balance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListEntries(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionViewEntries, id) {
		return
	}

	var query struct {
		From string `form:"from"`
		To   string `form:"to"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	now := s.clock.Now()
	from, to := now.AddDate(0, -1, 0), now
	if query.From != "" {
		parsed, err := time.Parse(time.RFC3339, query.From)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		from = parsed
	}
	if query.To != "" {
		parsed, err := time.Parse(time.RFC3339, query.To)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		to = parsed
	}

	entries, err := s.ledgerSvc.EntriesInWindow(c.Request.Context(), id, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type tipRequest struct {
	ToAccountID    int64  `json:"to_account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SendTip moves tokens from the fan to the creator as one atomic pair of
// entries, after the velocity and spend-cap gates.
func (s *Server) SendTip(c *gin.Context) {
	from, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionSendTip, from) {
		return
	}

	var req tipRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToAccountID == 0 || strings.TrimSpace(req.IdempotencyKey) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	decision, err := s.riskSvc.CheckVelocity(ctx, from, riskdomain.ActionTip)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !decision.Allowed {
		AbortWithError(c, BlockedError(decision.Reason))
		return
	}
	decision, err = s.riskSvc.CheckSpendLimit(ctx, from, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !decision.Allowed {
		AbortWithError(c, BlockedError(decision.Reason))
		return
	}

	result, err := s.ledgerSvc.Transfer(ctx, ledgerdomain.TransferRequest{
		FromAccountID:  from,
		ToAccountID:    snowflake.ID(req.ToAccountID),
		Amount:         req.Amount,
		DebitKind:      ledgerdomain.KindTip,
		CreditKind:     ledgerdomain.KindTip,
		Source:         fmt.Sprintf("tip:%d", from),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"debit_entry_id":  result.DebitEntry.ID,
		"credit_entry_id": result.CreditEntry.ID,
		"replayed":        result.Replayed,
	}})
}

type payoutDestinationRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) SetPayoutDestination(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionUpdateAccount, id) {
		return
	}
	var req payoutDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if err := s.ledgerSvc.SetPayoutDestination(c.Request.Context(), id, req.Destination); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type kycRequest struct {
	VerifiedAt string `json:"verified_at"`
}

// MarkKYCVerified is the projection path for the KYC provider's result;
// admin only.
func (s *Server) MarkKYCVerified(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if currentActor(c).Role != authorization.RoleAdmin {
		AbortWithError(c, ErrForbidden)
		return
	}
	var req kycRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var at time.Time
	if req.VerifiedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.VerifiedAt)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		at = parsed
	}
	if err := s.ledgerSvc.MarkKYCVerified(c.Request.Context(), id, at); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) AuditProjection(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionAuditProjection, id) {
		return
	}
	audit, err := s.ledgerSvc.VerifyProjection(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": audit})
}
