package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/tipcall/tipcall/internal/authorization"
	meteringdomain "github.com/tipcall/tipcall/internal/metering/domain"
)

type inviteRequest struct {
	PayerID            int64 `json:"payer_id"`
	PayeeID            int64 `json:"payee_id"`
	RatePerMinute      int64 `json:"rate_per_minute"`
	MinBillableMinutes int64 `json:"min_billable_minutes"`
}

func (s *Server) InviteCall(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if !s.authorize(c, authorization.ActionStartCall, snowflake.ID(req.PayerID)) {
		return
	}

	session, err := s.meteringSvc.Invite(c.Request.Context(), meteringdomain.InviteRequest{
		PayerID:            snowflake.ID(req.PayerID),
		PayeeID:            snowflake.ID(req.PayeeID),
		RatePerMinute:      req.RatePerMinute,
		MinBillableMinutes: req.MinBillableMinutes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) GetSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session, err := s.meteringSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor := currentActor(c)
	allowed := authorization.Evaluate(actor, authorization.ActionManageSession, session.PayerID).Allowed ||
		authorization.Evaluate(actor, authorization.ActionManageSession, session.PayeeID).Allowed
	if !allowed {
		AbortWithError(c, ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

// sessionTransition loads the session, checks the caller is a participant,
// and applies the transition.
func (s *Server) sessionTransition(c *gin.Context, apply func(snowflake.ID) error) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session, err := s.meteringSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor := currentActor(c)
	allowed := authorization.Evaluate(actor, authorization.ActionManageSession, session.PayerID).Allowed ||
		authorization.Evaluate(actor, authorization.ActionManageSession, session.PayeeID).Allowed
	if !allowed {
		AbortWithError(c, ErrForbidden)
		return
	}
	if err := apply(id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) AcceptCall(c *gin.Context) {
	s.sessionTransition(c, func(id snowflake.ID) error {
		_, err := s.meteringSvc.Accept(c.Request.Context(), id)
		return err
	})
}

func (s *Server) DeclineCall(c *gin.Context) {
	s.sessionTransition(c, func(id snowflake.ID) error {
		return s.meteringSvc.Decline(c.Request.Context(), id)
	})
}

func (s *Server) CancelCall(c *gin.Context) {
	s.sessionTransition(c, func(id snowflake.ID) error {
		return s.meteringSvc.Cancel(c.Request.Context(), id)
	})
}

func (s *Server) PauseCall(c *gin.Context) {
	s.sessionTransition(c, func(id snowflake.ID) error {
		return s.meteringSvc.Pause(c.Request.Context(), id)
	})
}

func (s *Server) ResumeCall(c *gin.Context) {
	s.sessionTransition(c, func(id snowflake.ID) error {
		return s.meteringSvc.Resume(c.Request.Context(), id)
	})
}

func (s *Server) EndCall(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session, err := s.meteringSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor := currentActor(c)
	allowed := authorization.Evaluate(actor, authorization.ActionManageSession, session.PayerID).Allowed ||
		authorization.Evaluate(actor, authorization.ActionManageSession, session.PayeeID).Allowed
	if !allowed {
		AbortWithError(c, ErrForbidden)
		return
	}
	ended, err := s.meteringSvc.End(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ended})
}
