package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tipcall/tipcall/internal/authorization"
	payoutdomain "github.com/tipcall/tipcall/internal/payout/domain"
)

type triggerBatchRequest struct {
	ScheduleType string `json:"schedule_type"`
	CutoffAt     string `json:"cutoff_at"`
}

// TriggerBatch is the scheduler entry point. Re-firing the same window is
// harmless: the batch hash collapses it onto the existing run.
func (s *Server) TriggerBatch(c *gin.Context) {
	var req triggerBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	cutoff := s.clock.Now()
	if req.CutoffAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.CutoffAt)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		cutoff = parsed
	}

	result, err := s.payoutSvc.CreateBatch(c.Request.Context(), payoutdomain.CreateBatchRequest{
		ScheduleType: req.ScheduleType,
		CutoffAt:     cutoff,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"batch_id": result.Batch.ID,
		"status":   result.Batch.Status,
		"items":    result.Batch.TotalItems,
		"replayed": result.Replayed,
	}})
}

func (s *Server) GetBatch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionViewBatch, 0) {
		return
	}
	batch, err := s.payoutSvc.GetBatch(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": batch})
}

func (s *Server) ListBatchItems(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.authorize(c, authorization.ActionViewBatch, 0) {
		return
	}
	items, err := s.payoutSvc.ListItems(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ListFailedPayouts(c *gin.Context) {
	if !s.authorize(c, authorization.ActionReviewPayouts, 0) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	items, err := s.payoutSvc.ListFailedForReview(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}
