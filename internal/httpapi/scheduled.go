package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// listScheduled serves GET /v1/scheduled. Query parameters: status, kind,
// limit. Defaults to pending jobs of every kind.
func (s *Server) listScheduled(c *gin.Context) {
	filter := store.JobFilter{}

	if v := c.Query("status"); v != "" {
		status := types.JobStatus(v)
		if !status.IsValid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: apiError{
				Code:    CodeInvalidRequest,
				Message: "unknown status " + strconv.Quote(v),
			}})
			return
		}
		filter.Statuses = []types.JobStatus{status}
	} else {
		filter.Statuses = []types.JobStatus{types.JobPending}
	}

	if v := c.Query("kind"); v != "" {
		kind := types.JobKind(v)
		if !kind.IsValid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: apiError{
				Code:    CodeInvalidRequest,
				Message: "unknown kind " + strconv.Quote(v),
			}})
			return
		}
		filter.Kind = kind
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.badRequest(c, errInvalidLimit)
			return
		}
		filter.Limit = n
	}

	jobs, err := s.jobs.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// rescheduleRequest is the body of POST /v1/scheduled/:id/reschedule.
type rescheduleRequest struct {
	DueAt time.Time `json:"dueAt" binding:"required"`
}

func (s *Server) rescheduleJob(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := s.jobs.Reschedule(c.Request.Context(), id, req.DueAt); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "dueAt": req.DueAt.UTC()})
}

// cancelScheduled cancels the job and, for scheduled calls, closes the
// pre-created call record.
func (s *Server) cancelScheduled(c *gin.Context) {
	id := c.Param("id")
	if err := s.sched.Cancel(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "status": types.JobCanceled})
}
