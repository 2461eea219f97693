// Package types defines the shared domain model used across all vocalix
// packages: calls, agents, scheduled jobs, retry attempts, and transcript
// turns. Each package defines its own internal types; the cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"regexp"
	"time"
)

// Direction distinguishes who initiated a call.
type Direction string

// Call directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// CallStatus is the lifecycle status of a Call.
type CallStatus string

// Call lifecycle statuses.
const (
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
)

// IsValid reports whether s is a known call status.
func (s CallStatus) IsValid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusInProgress,
		StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal statuses are
// append-only: once a call reaches one, its status never changes again.
func (s CallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// SubStatus is the outbound dialing sub-status reported by the telephony
// provider while a call is being placed.
type SubStatus string

// Outbound sub-statuses.
const (
	SubQueued    SubStatus = "queued"
	SubRinging   SubStatus = "ringing"
	SubConnected SubStatus = "connected"
	SubNoAnswer  SubStatus = "no-answer"
	SubBusy      SubStatus = "busy"
	SubVoicemail SubStatus = "voicemail"
)

// IsValid reports whether s is a known sub-status.
func (s SubStatus) IsValid() bool {
	switch s {
	case SubQueued, SubRinging, SubConnected, SubNoAnswer, SubBusy, SubVoicemail:
		return true
	}
	return false
}

// FailureReason classifies why a call ended without completing normally.
// The retry engine keys its policy table on this classification.
type FailureReason string

// Failure reasons.
const (
	FailureNoAnswer       FailureReason = "no-answer"
	FailureBusy           FailureReason = "busy"
	FailureVoicemail      FailureReason = "voicemail"
	FailureInvalidNumber  FailureReason = "invalid-number"
	FailureNetworkError   FailureReason = "network-error"
	FailureRateLimited    FailureReason = "rate-limited"
	FailureAPIUnavailable FailureReason = "api-unavailable"
	FailureCanceled       FailureReason = "canceled"
	FailureNoResponse     FailureReason = "no-response"
	FailureConnectionLost FailureReason = "connection-lost"
	FailureRejected       FailureReason = "rejected"
	FailureInternal       FailureReason = "internal-error"
)

// IsValid reports whether r is a known failure reason.
func (r FailureReason) IsValid() bool {
	switch r {
	case FailureNoAnswer, FailureBusy, FailureVoicemail, FailureInvalidNumber,
		FailureNetworkError, FailureRateLimited, FailureAPIUnavailable,
		FailureCanceled, FailureNoResponse, FailureConnectionLost,
		FailureRejected, FailureInternal:
		return true
	}
	return false
}

// Call is one phone call, inbound or outbound, from creation to its terminal
// status. Calls are never deleted; terminal statuses are append-only.
type Call struct {
	// ID is the internal call identifier ("call_<ULID>"). It round-trips
	// through the telephony provider's custom field so webhooks can be
	// correlated even before the provider call ID is known.
	ID string

	// Direction records who initiated the call.
	Direction Direction

	// Phone is the remote party's number in E.164 form.
	Phone string

	// AgentID selects the agent configuration driving the conversation.
	AgentID string

	// Status is the lifecycle status.
	Status CallStatus

	// SubStatus is the outbound dialing sub-status, when known.
	SubStatus SubStatus

	// FailureReason is set when Status is failed (and for canceled calls
	// closed by a watchdog).
	FailureReason FailureReason

	// ProviderCallID is the telephony provider's identifier for this call,
	// available once the provider accepts the initiation request.
	ProviderCallID string

	// RecordingURL is the provider-hosted recording, when one exists.
	RecordingURL string

	// RetryOf references the original call when this call is a retry.
	RetryOf string

	// RetryCount is 0 for first attempts and parent.RetryCount+1 for
	// retries.
	RetryCount int

	// CreatedAt is when the record was created (UTC).
	CreatedAt time.Time

	// ScheduledFor is the intended dial time for scheduled calls.
	ScheduledFor *time.Time

	// InitiatedAt is when the initiation request was sent to the provider.
	InitiatedAt *time.Time

	// StartedAt is when media started flowing (call answered).
	StartedAt *time.Time

	// EndedAt is when the call reached a terminal status.
	EndedAt *time.Time

	// Duration is EndedAt−StartedAt once both are known.
	Duration time.Duration

	// Metadata carries caller-supplied context, returned verbatim by the
	// API and injected into webhook notifications.
	Metadata map[string]any

	// Transcript is the append-only conversation log. Populated on reads
	// that request it; appends go through the store's push operation, never
	// through whole-document writes.
	Transcript []TranscriptTurn
}

// Speaker identifies which side of the conversation produced a transcript
// turn.
type Speaker string

// Transcript speakers.
const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptTurn is one utterance in a call's conversation log.
type TranscriptTurn struct {
	// Speaker is who spoke.
	Speaker Speaker `json:"speaker"`

	// Text is the final transcript (user) or the spoken reply (assistant).
	Text string `json:"text"`

	// Timestamp is when the turn was observed (UTC).
	Timestamp time.Time `json:"timestamp"`
}

var phoneRE = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidPhone reports whether phone is a well-formed E.164 number: a leading
// plus, a non-zero first digit, at most 15 digits total.
func ValidPhone(phone string) bool {
	return phoneRE.MatchString(phone)
}
