package scheduler

import (
	"sync/atomic"
	"time"
)

// onceAt is a cron.Schedule that activates exactly once at a fixed instant.
// The cron runner asks for the next activation when the entry is armed and
// again after it fires; the second answer is the zero time, which the runner
// treats as "never".
type onceAt struct {
	at    time.Time
	asked atomic.Bool
}

func newOnceAt(at time.Time) *onceAt { return &onceAt{at: at} }

func (o *onceAt) Next(t time.Time) time.Time {
	if o.asked.Swap(true) {
		return time.Time{}
	}
	if o.at.After(t) {
		return o.at
	}
	// Already due, fire on the next runner wakeup.
	return t.Add(time.Millisecond)
}
