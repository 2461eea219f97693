package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus is the lifecycle status of a ScheduledJob.
type JobStatus string

// Scheduled-job statuses. The only legal transitions are
// pending→processing→{completed|failed} and pending→canceled.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobCanceled   JobStatus = "canceled"
	JobFailed     JobStatus = "failed"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobCanceled, JobFailed:
		return true
	}
	return false
}

// JobKind selects the handler a due job is dispatched to.
type JobKind string

// Job kinds.
const (
	JobScheduledCall JobKind = "scheduled-call"
	JobRetryCall     JobKind = "retry"
)

// IsValid reports whether k is a known job kind.
func (k JobKind) IsValid() bool {
	return k == JobScheduledCall || k == JobRetryCall
}

// ScheduledJob is one durable delayed execution: either dialing a scheduled
// call or executing a retry attempt.
type ScheduledJob struct {
	// ID is the job identifier. Retry jobs use the deterministic form
	// "retry-<retryAttemptID>" so duplicate scheduling collapses.
	ID string

	// Kind selects the dispatch handler.
	Kind JobKind

	// CallID is the call this job concerns: the pre-created call record for
	// scheduled calls, the original failed call for retries.
	CallID string

	// RetryAttemptID links retry jobs to their RetryAttempt.
	RetryAttemptID string

	// DueAt is when the job should run (UTC). Strictly in the future while
	// the job is pending.
	DueAt time.Time

	// Timezone is the IANA zone used for business-hours adjustment and
	// recurrence arithmetic. Empty means UTC.
	Timezone string

	// Status is the job lifecycle status.
	Status JobStatus

	// BusinessHours, when set, shifts DueAt to the next allowed moment if
	// it falls outside the policy window.
	BusinessHours *BusinessHoursPolicy

	// Recurrence, when set, enqueues a successor job after each completed
	// occurrence.
	Recurrence *Recurrence

	// Occurrences counts completed occurrences of a recurring job.
	Occurrences int

	// NextRun is the computed due time of the successor occurrence.
	NextRun *time.Time

	// Attempts counts handler executions that failed on transient errors;
	// the job is parked as failed once WorkerMaxAttempts is reached.
	Attempts int

	// LastError records the most recent handler failure, for operators.
	LastError string

	// ProcessedAt is when the job left pending.
	ProcessedAt *time.Time

	// CreatedAt and UpdatedAt are record timestamps (UTC).
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RetryStatus is the lifecycle status of a RetryAttempt.
type RetryStatus string

// Retry-attempt statuses.
const (
	RetryPending    RetryStatus = "pending"
	RetryProcessing RetryStatus = "processing"
	RetryCompleted  RetryStatus = "completed"
	RetryFailed     RetryStatus = "failed"
	RetryCanceled   RetryStatus = "canceled"
)

// IsValid reports whether s is a known retry status.
func (s RetryStatus) IsValid() bool {
	switch s {
	case RetryPending, RetryProcessing, RetryCompleted, RetryFailed, RetryCanceled:
		return true
	}
	return false
}

// RetryAttempt records one planned re-dial of a failed call.
// (OriginalCallID, AttemptNumber) is unique.
type RetryAttempt struct {
	// ID is the attempt identifier ("retry_<ULID>").
	ID string

	// OriginalCallID is the call whose failure produced this attempt.
	OriginalCallID string

	// RetryCallID is the call created when the attempt executes. Empty
	// until the dialer succeeds.
	RetryCallID string

	// AttemptNumber is 1 for the first retry of a call and increments per
	// attempt.
	AttemptNumber int

	// DueAt is when the retry should dial (UTC), after backoff, jitter, and
	// off-peak shifting.
	DueAt time.Time

	// Status is the attempt lifecycle status.
	Status RetryStatus

	// FailureReason is the classification that triggered this attempt.
	FailureReason FailureReason

	// CreatedAt and UpdatedAt are record timestamps (UTC).
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BusinessHoursPolicy restricts execution to a daily window on a set of
// weekdays, evaluated in a specific IANA timezone.
type BusinessHoursPolicy struct {
	// Start and End bound the daily window, "HH:MM" 24-hour wall time.
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`

	// Timezone is the IANA zone the window is evaluated in.
	Timezone string `json:"timezone" yaml:"timezone"`

	// AllowedDays lists permitted weekdays (time.Sunday .. time.Saturday).
	// Empty means every day.
	AllowedDays []time.Weekday `json:"allowed_days" yaml:"allowed_days"`
}

// Validate checks the policy fields.
func (p BusinessHoursPolicy) Validate() error {
	start, err := parseHHMM(p.Start)
	if err != nil {
		return fmt.Errorf("types: business hours start: %w", err)
	}
	end, err := parseHHMM(p.End)
	if err != nil {
		return fmt.Errorf("types: business hours end: %w", err)
	}
	if end <= start {
		return fmt.Errorf("types: business hours end %q must be after start %q", p.End, p.Start)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("types: business hours timezone: %w", err)
	}
	for _, d := range p.AllowedDays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("types: business hours allowed day %d out of range", d)
		}
	}
	return nil
}

// Next returns the earliest instant no earlier than t that falls inside the
// policy window, in UTC. If t is already inside the window it is returned
// unchanged. Ambiguous local times around DST transitions resolve to the
// later UTC instant.
func (p BusinessHoursPolicy) Next(t time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("types: business hours timezone: %w", err)
	}
	local := t.In(loc)
	// Scan up to two weeks of days; Validate guarantees the window is
	// non-empty, so any non-empty day set matches within 7 days.
	for i := 0; i < 15; i++ {
		day := local.AddDate(0, 0, i)
		if !p.allows(day.Weekday()) {
			continue
		}
		start := atWallClock(day, p.Start, loc)
		end := atWallClock(day, p.End, loc)
		if i == 0 {
			if local.Before(start) {
				return start.UTC(), nil
			}
			if local.Before(end) {
				return t.UTC(), nil
			}
			continue
		}
		return start.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("types: business hours policy allows no days")
}

func (p BusinessHoursPolicy) allows(w time.Weekday) bool {
	if len(p.AllowedDays) == 0 {
		return true
	}
	for _, d := range p.AllowedDays {
		if d == w {
			return true
		}
	}
	return false
}

// atWallClock returns the instant at hhmm wall time on day's date in loc.
// Callers validate hhmm beforehand; a malformed value collapses to midnight.
func atWallClock(day time.Time, hhmm string, loc *time.Location) time.Time {
	mins, err := parseHHMM(hhmm)
	if err != nil {
		mins = 0
	}
	return time.Date(day.Year(), day.Month(), day.Day(), mins/60, mins%60, 0, 0, loc)
}

// parseHHMM parses "HH:MM" into minutes since midnight.
func parseHHMM(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("malformed time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("malformed minute in %q", s)
	}
	return hour*60 + minute, nil
}

// Frequency is a recurrence frequency.
type Frequency string

// Recurrence frequencies.
const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// IsValid reports whether f is a known frequency.
func (f Frequency) IsValid() bool {
	return f == FreqDaily || f == FreqWeekly || f == FreqMonthly
}

// Recurrence repeats a scheduled job at a fixed cadence until an end
// condition is met.
type Recurrence struct {
	// Frequency is the cadence unit.
	Frequency Frequency `json:"frequency" yaml:"frequency"`

	// Interval multiplies the frequency (every N days/weeks/months), ≥ 1.
	Interval int `json:"interval" yaml:"interval"`

	// EndAt stops recurrence once the next occurrence would fall after it.
	EndAt *time.Time `json:"end_at,omitempty" yaml:"end_at,omitempty"`

	// MaxOccurrences stops recurrence after this many completed
	// occurrences. Zero means unlimited.
	MaxOccurrences int `json:"max_occurrences,omitempty" yaml:"max_occurrences,omitempty"`
}

// Validate checks the recurrence fields.
func (r Recurrence) Validate() error {
	if !r.Frequency.IsValid() {
		return fmt.Errorf("types: unknown recurrence frequency %q", r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("types: recurrence interval %d must be >= 1", r.Interval)
	}
	if r.MaxOccurrences < 0 {
		return fmt.Errorf("types: recurrence max occurrences %d must be >= 0", r.MaxOccurrences)
	}
	return nil
}

// NextAfter computes the due time of the occurrence following one due at
// last, preserving wall-clock time in loc across DST transitions.
func (r Recurrence) NextAfter(last time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := last.In(loc)
	var next time.Time
	switch r.Frequency {
	case FreqWeekly:
		next = local.AddDate(0, 0, 7*r.Interval)
	case FreqMonthly:
		next = local.AddDate(0, r.Interval, 0)
	default: // daily
		next = local.AddDate(0, 0, r.Interval)
	}
	return next.UTC()
}

// Exhausted reports whether recurrence ends before an occurrence at next,
// given the number of occurrences completed so far.
func (r Recurrence) Exhausted(next time.Time, completed int) bool {
	if r.EndAt != nil && next.After(*r.EndAt) {
		return true
	}
	if r.MaxOccurrences > 0 && completed >= r.MaxOccurrences {
		return true
	}
	return false
}
