package types

import "github.com/oklog/ulid/v2"

// ID prefixes keep identifiers self-describing in logs and webhooks.
const (
	callIDPrefix  = "call_"
	jobIDPrefix   = "job_"
	retryIDPrefix = "retry_"
)

// NewCallID mints a call identifier ("call_<ULID>"). ULIDs sort by creation
// time, which keeps index scans over recent calls cheap.
func NewCallID() string { return callIDPrefix + ulid.Make().String() }

// NewJobID mints a scheduled-job identifier ("job_<ULID>").
func NewJobID() string { return jobIDPrefix + ulid.Make().String() }

// NewRetryAttemptID mints a retry-attempt identifier ("retry_<ULID>").
func NewRetryAttemptID() string { return retryIDPrefix + ulid.Make().String() }

// RetryJobID derives the deterministic job ID for a retry attempt, so a
// duplicate scheduling attempt collides instead of double-booking.
func RetryJobID(retryAttemptID string) string { return "retry-" + retryAttemptID }
