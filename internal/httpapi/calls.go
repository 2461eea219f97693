package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/dialer"
	"github.com/vocalix/vocalix/internal/scheduler"
)

// createCallRequest is the body of POST /v1/calls. A present scheduledFor
// books the call through the scheduler instead of dialing now.
type createCallRequest struct {
	Phone    string         `json:"phone" binding:"required"`
	AgentID  string         `json:"agentId" binding:"required"`
	Metadata map[string]any `json:"metadata"`

	ScheduledFor  *time.Time                 `json:"scheduledFor"`
	Timezone      string                     `json:"timezone"`
	BusinessHours *types.BusinessHoursPolicy `json:"businessHours"`
	Recurrence    *types.Recurrence          `json:"recurrence"`
}

func (s *Server) createCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	if req.ScheduledFor != nil {
		job, call, err := s.sched.Schedule(c.Request.Context(), scheduler.ScheduleRequest{
			Phone:         req.Phone,
			AgentID:       req.AgentID,
			Metadata:      req.Metadata,
			DueAt:         *req.ScheduledFor,
			Timezone:      req.Timezone,
			BusinessHours: req.BusinessHours,
			Recurrence:    req.Recurrence,
		})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"callId":       call.ID,
			"jobId":        job.ID,
			"scheduledFor": call.ScheduledFor,
		})
		return
	}

	id, err := s.dial.Initiate(c.Request.Context(), dialer.Request{
		Phone:    req.Phone,
		AgentID:  req.AgentID,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"callId": id})
}

// bulkRequest is the body of POST /v1/calls/bulk.
type bulkRequest struct {
	Calls []dialer.Request `json:"calls" binding:"required"`
}

func (s *Server) bulkCalls(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	items, err := s.dial.Bulk(c.Request.Context(), req.Calls)
	if err != nil {
		s.writeError(c, err)
		return
	}
	accepted := 0
	for _, it := range items {
		if it.Error == "" {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "items": items})
}

func (s *Server) getCall(c *gin.Context) {
	call, err := s.calls.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCallResponse(call))
}

func (s *Server) cancelCall(c *gin.Context) {
	id := c.Param("id")
	if err := s.dial.Cancel(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": id, "status": types.StatusCanceled})
}

// manualRetryRequest is the optional body of POST /v1/calls/:id/retry. An
// absent reason falls back to the call's recorded failure reason.
type manualRetryRequest struct {
	Reason types.FailureReason `json:"reason"`
}

func (s *Server) manualRetry(c *gin.Context) {
	id := c.Param("id")

	var req manualRetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	call, err := s.calls.GetCall(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = call.FailureReason
	}
	if reason == "" || !reason.IsValid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: apiError{
			Code:    CodeInvalidRequest,
			Message: "no failure reason on call and none supplied",
		}})
		return
	}

	attemptID, err := s.retries.ScheduleRetry(c.Request.Context(), id, reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if attemptID == "" {
		c.AbortWithStatusJSON(http.StatusConflict, errorEnvelope{Error: apiError{
			Code:    CodeRetryNotScheduled,
			Message: "retry policy declined: reason not retryable or budget exhausted",
		}})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"retryAttemptId": attemptID, "callId": id})
}

func (s *Server) listRetries(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.calls.GetCall(c.Request.Context(), id); err != nil {
		status, _ := classify(err)
		if status == http.StatusNotFound {
			c.AbortWithStatusJSON(http.StatusNotFound, errorEnvelope{Error: apiError{
				Code:    CodeRetryNotFound,
				Message: "no retries: unknown call " + id,
			}})
			return
		}
		s.writeError(c, err)
		return
	}

	attempts, err := s.retries.List(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, toAttemptResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"callId": id, "attempts": out})
}

func (s *Server) stats(c *gin.Context) {
	callStats, err := s.calls.CallStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	jobStats, err := s.jobs.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"calls": toCallStatsResponse(callStats),
		"jobs":  jobStats,
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	var ev telephony.StatusEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.badRequest(c, err)
		return
	}
	if ev.CallSid == "" || ev.CallStatus == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: apiError{
			Code:    CodeInvalidRequest,
			Message: "CallSid and CallStatus are required",
		}})
		return
	}
	if err := s.hooks.Handle(c.Request.Context(), ev); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
