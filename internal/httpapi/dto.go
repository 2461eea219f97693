package httpapi

import (
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

// callResponse is the wire form of a call record. Domain types carry no JSON
// tags on purpose; the API shape is owned here.
type callResponse struct {
	ID             string              `json:"id"`
	Direction      types.Direction     `json:"direction"`
	Phone          string              `json:"phone"`
	AgentID        string              `json:"agentId"`
	Status         types.CallStatus    `json:"status"`
	SubStatus      types.SubStatus     `json:"subStatus,omitempty"`
	FailureReason  types.FailureReason `json:"failureReason,omitempty"`
	ProviderCallID string              `json:"providerCallId,omitempty"`
	RecordingURL   string              `json:"recordingUrl,omitempty"`
	RetryOf        string              `json:"retryOf,omitempty"`
	RetryCount     int                 `json:"retryCount,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	InitiatedAt  *time.Time `json:"initiatedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`

	DurationSeconds int `json:"durationSeconds,omitempty"`

	Metadata   map[string]any         `json:"metadata,omitempty"`
	Transcript []types.TranscriptTurn `json:"transcript,omitempty"`
}

func toCallResponse(call *types.Call) callResponse {
	return callResponse{
		ID:              call.ID,
		Direction:       call.Direction,
		Phone:           call.Phone,
		AgentID:         call.AgentID,
		Status:          call.Status,
		SubStatus:       call.SubStatus,
		FailureReason:   call.FailureReason,
		ProviderCallID:  call.ProviderCallID,
		RecordingURL:    call.RecordingURL,
		RetryOf:         call.RetryOf,
		RetryCount:      call.RetryCount,
		CreatedAt:       call.CreatedAt,
		ScheduledFor:    call.ScheduledFor,
		InitiatedAt:     call.InitiatedAt,
		StartedAt:       call.StartedAt,
		EndedAt:         call.EndedAt,
		DurationSeconds: int(call.Duration / time.Second),
		Metadata:        call.Metadata,
		Transcript:      call.Transcript,
	}
}

// jobResponse is the wire form of a scheduled job.
type jobResponse struct {
	ID             string          `json:"id"`
	Kind           types.JobKind   `json:"kind"`
	CallID         string          `json:"callId,omitempty"`
	RetryAttemptID string          `json:"retryAttemptId,omitempty"`
	DueAt          time.Time       `json:"dueAt"`
	Timezone       string          `json:"timezone,omitempty"`
	Status         types.JobStatus `json:"status"`

	BusinessHours *types.BusinessHoursPolicy `json:"businessHours,omitempty"`
	Recurrence    *types.Recurrence          `json:"recurrence,omitempty"`
	Occurrences   int                        `json:"occurrences,omitempty"`
	NextRun       *time.Time                 `json:"nextRun,omitempty"`

	Attempts    int        `json:"attempts,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func toJobResponse(job *types.ScheduledJob) jobResponse {
	return jobResponse{
		ID:             job.ID,
		Kind:           job.Kind,
		CallID:         job.CallID,
		RetryAttemptID: job.RetryAttemptID,
		DueAt:          job.DueAt,
		Timezone:       job.Timezone,
		Status:         job.Status,
		BusinessHours:  job.BusinessHours,
		Recurrence:     job.Recurrence,
		Occurrences:    job.Occurrences,
		NextRun:        job.NextRun,
		Attempts:       job.Attempts,
		LastError:      job.LastError,
		ProcessedAt:    job.ProcessedAt,
		CreatedAt:      job.CreatedAt,
	}
}

// attemptResponse is the wire form of a retry attempt.
type attemptResponse struct {
	ID             string              `json:"id"`
	OriginalCallID string              `json:"originalCallId"`
	RetryCallID    string              `json:"retryCallId,omitempty"`
	AttemptNumber  int                 `json:"attemptNumber"`
	DueAt          time.Time           `json:"dueAt"`
	Status         types.RetryStatus   `json:"status"`
	FailureReason  types.FailureReason `json:"failureReason,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func toAttemptResponse(a *types.RetryAttempt) attemptResponse {
	return attemptResponse{
		ID:             a.ID,
		OriginalCallID: a.OriginalCallID,
		RetryCallID:    a.RetryCallID,
		AttemptNumber:  a.AttemptNumber,
		DueAt:          a.DueAt,
		Status:         a.Status,
		FailureReason:  a.FailureReason,
		CreatedAt:      a.CreatedAt,
	}
}

// callStatsResponse is the wire form of store.CallStats.
type callStatsResponse struct {
	Total              int64                      `json:"total"`
	ByStatus           map[types.CallStatus]int64 `json:"byStatus"`
	ByDirection        map[types.Direction]int64  `json:"byDirection"`
	AvgDurationSeconds float64                    `json:"avgDurationSeconds"`
}

func toCallStatsResponse(st *store.CallStats) callStatsResponse {
	return callStatsResponse{
		Total:              st.Total,
		ByStatus:           st.ByStatus,
		ByDirection:        st.ByDirection,
		AvgDurationSeconds: st.AvgDuration.Seconds(),
	}
}
