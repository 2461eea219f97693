// Package telephony defines the wire contract with the call-control provider:
// the REST operations for placing and managing calls, the status-webhook
// payload, and the JSON frame format of the bidirectional media socket.
//
// The concrete rate-limited client lives in internal/telco; this package
// holds only the types and the [Provider] interface so that the dialer, the
// webhook dispatcher, and the session engine can share them without importing
// the client.
package telephony

import (
	"context"
	"errors"
)

// Classification sentinels for provider-facing failures. The client in
// internal/telco wraps its errors with one of these so callers can route on
// errors.Is without knowing HTTP details.
var (
	// ErrAuth means the provider rejected our credentials (HTTP 401).
	// Fatal: surfaced to the operator, never retried.
	ErrAuth = errors.New("telephony: authentication rejected")

	// ErrRateLimited means the provider throttled us (HTTP 429).
	ErrRateLimited = errors.New("telephony: rate limited")

	// ErrNetwork covers 5xx responses, timeouts, and transport failures.
	ErrNetwork = errors.New("telephony: network error")

	// ErrAPIUnavailable is returned while the circuit breaker is open:
	// the request was never sent.
	ErrAPIUnavailable = errors.New("telephony: api unavailable")

	// ErrProvider covers remaining non-retryable provider responses.
	ErrProvider = errors.New("telephony: provider error")
)

// CallRequest is the body of POST /calls.
type CallRequest struct {
	// From is the virtual number the call originates from.
	From string `json:"from"`

	// To is the destination in E.164 form.
	To string `json:"to"`

	// CallerID overrides the presented caller ID when the provider
	// supports it. Empty presents From.
	CallerID string `json:"callerId,omitempty"`

	// AppID selects the provider-side application that owns the media
	// socket and webhook configuration.
	AppID string `json:"appId"`

	// CustomField is opaque to the provider and round-trips through every
	// webhook for this call. Carries the internal call ID.
	CustomField string `json:"customField"`
}

// CallHandle is the provider's acknowledgement of an initiation request.
type CallHandle struct {
	// SID is the provider's call identifier.
	SID string `json:"sid"`

	// Status is the provider-side status at acceptance time, normally
	// "queued".
	Status string `json:"status"`
}

// CallDetails is the provider's view of a call, from GET /calls/{sid}.
type CallDetails struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	Direction string `json:"direction"`

	// Duration is connected seconds; zero until the call ends.
	Duration int `json:"duration"`
}

// Provider-side call statuses as they appear in CallHandle, CallDetails, and
// status webhooks.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
	StatusVoicemail  = "voicemail"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Provider is the call-control surface of the telephony vendor. The
// implementation in internal/telco adds rate limiting and circuit breaking;
// the mock subpackage provides a scripted test double.
type Provider interface {
	// MakeCall asks the provider to dial req.To. The returned handle's SID
	// identifies the call in webhooks and follow-up operations.
	MakeCall(ctx context.Context, req CallRequest) (CallHandle, error)

	// Hangup tears down a call in any non-terminal provider state.
	Hangup(ctx context.Context, sid string) error

	// GetDetails fetches the provider's current view of a call.
	GetDetails(ctx context.Context, sid string) (CallDetails, error)

	// GetRecordingURL returns the recording location for a finished call,
	// or "" when the provider has none.
	GetRecordingURL(ctx context.Context, sid string) (string, error)
}

// StatusEvent is the JSON body of the provider's status webhook
// (POST /webhooks/status). Field names follow the provider's convention.
type StatusEvent struct {
	// CallSid is the provider call identifier.
	CallSid string `json:"CallSid"`

	// CallStatus is one of the provider-side statuses above.
	CallStatus string `json:"CallStatus"`

	// CallDuration is connected seconds, present on terminal events.
	CallDuration int `json:"CallDuration,omitempty"`

	// CustomField echoes CallRequest.CustomField (the internal call ID).
	CustomField string `json:"CustomField,omitempty"`

	// RecordingUrl is the provider-hosted recording, when recording was
	// enabled for the application.
	RecordingUrl string `json:"RecordingUrl,omitempty"`
}

// Terminal reports whether a provider status ends the call.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusVoicemail,
		StatusFailed, StatusCanceled:
		return true
	}
	return false
}
