package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/telephony"

	"github.com/vocalix/vocalix/internal/dialer"
	"github.com/vocalix/vocalix/internal/scheduler"
	"github.com/vocalix/vocalix/internal/webhook"
)

// API error codes. Standard codes first, domain codes after.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	CodeInvalidPhoneNumber     = "INVALID_PHONE_NUMBER"
	CodeAgentNotFound          = "AGENT_NOT_FOUND"
	CodeConcurrentLimitReached = "CONCURRENT_LIMIT_REACHED"
	CodeScheduleInPast         = "SCHEDULE_IN_PAST"
	CodeCallAlreadyCompleted   = "CALL_ALREADY_COMPLETED"
	CodeRetryNotScheduled      = "RETRY_NOT_SCHEDULED"
	CodeRetryNotFound          = "RETRY_NOT_FOUND"
	CodeCircuitOpen            = "CIRCUIT_OPEN"
)

// apiError is the body of the error envelope.
type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorEnvelope is the JSON shape of every non-2xx response.
type errorEnvelope struct {
	Error apiError `json:"error"`
}

// classify maps a component error onto an HTTP status and API code. Sentinel
// checks run most-specific first; dialer and scheduler sentinels wrap store
// errors, so they must win over the store checks.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, dialer.ErrInvalidPhone):
		return http.StatusBadRequest, CodeInvalidPhoneNumber
	case errors.Is(err, dialer.ErrAgentNotFound):
		return http.StatusNotFound, CodeAgentNotFound
	case errors.Is(err, dialer.ErrConcurrentLimit):
		return http.StatusTooManyRequests, CodeConcurrentLimitReached
	case errors.Is(err, dialer.ErrInvalidCallState):
		return http.StatusConflict, CodeCallAlreadyCompleted
	case errors.Is(err, dialer.ErrBulkTooLarge):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, scheduler.ErrPastDue):
		return http.StatusBadRequest, CodeScheduleInPast
	case errors.Is(err, scheduler.ErrNotPending):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, webhook.ErrUnknownStatus):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, webhook.ErrUnknownCall):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrTerminalStatus):
		return http.StatusConflict, CodeCallAlreadyCompleted
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, telephony.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, telephony.ErrAPIUnavailable):
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case errors.Is(err, telephony.ErrNetwork):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	}
	return http.StatusInternalServerError, CodeInternalError
}

// writeError classifies err and aborts the request with the envelope. The
// message of 5xx responses is replaced with a generic one; the cause still
// lands in the log.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Error: apiError{Code: code, Message: msg}})
}

// badRequest rejects malformed input that never reached a component.
func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{
		Error: apiError{Code: CodeInvalidRequest, Message: err.Error()},
	})
}
