package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tipcall/tipcall/internal/authorization"
)

// ListRiskFlags exposes the unresolved flag queue to admins.
func (s *Server) ListRiskFlags(c *gin.Context) {
	if !s.authorize(c, authorization.ActionReviewFlags, 0) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	flags, err := s.riskSvc.ListOpenFlags(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": flags})
}
