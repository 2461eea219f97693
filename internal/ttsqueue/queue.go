// Package ttsqueue applies per-provider concurrency caps to speech
// synthesis.
//
// Upstream synthesis vendors allow very different concurrency: a hosted API
// might permit ten parallel streams while a self-hosted server takes a
// hundred. The queue keeps one FIFO lane per provider, admits tasks up to
// the lane's cap, and holds the slot until the synthesized audio stream
// finishes, not merely until the task function returns. Overflow requests
// wait; cancellation comes from the caller's context, the queue imposes no
// timeout of its own.
package ttsqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/vocalix/vocalix/internal/observe"
)

// ErrUnknownProvider is returned for a provider with no configured cap.
var ErrUnknownProvider = errors.New("ttsqueue: unknown provider")

// Task starts one synthesis. The returned channel carries raw PCM chunks and
// must be closed by the producer when synthesis ends, successfully or not.
type Task func(ctx context.Context) (<-chan []byte, error)

// LaneStats is a point-in-time snapshot of one provider lane.
type LaneStats struct {
	Provider string
	Active   int
	Queued   int
	Cap      int
}

// waiter is one queued request. granted and abandoned are guarded by the
// queue mutex.
type waiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// lane is the admission state for one provider.
type lane struct {
	cap    int
	active int
	queue  []*waiter
}

// Queue dispatches synthesis tasks subject to per-provider concurrency caps.
type Queue struct {
	metrics *observe.Metrics

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a Queue with the given provider caps. metrics may be nil.
func New(caps map[string]int, metrics *observe.Metrics) (*Queue, error) {
	if len(caps) == 0 {
		return nil, errors.New("ttsqueue: at least one provider cap is required")
	}
	lanes := make(map[string]*lane, len(caps))
	for provider, limit := range caps {
		if limit <= 0 {
			return nil, fmt.Errorf("ttsqueue: cap for %q must be positive, got %d", provider, limit)
		}
		lanes[provider] = &lane{cap: limit}
	}
	return &Queue{lanes: lanes, metrics: metrics}, nil
}

// Run admits task under provider's cap, waiting FIFO when the lane is full,
// and returns the audio channel the task produced. The slot is held until
// that channel closes, so a slow consumer keeps its reservation for the
// whole synthesis. Task start-up errors release the slot immediately and are
// returned verbatim.
func (q *Queue) Run(ctx context.Context, provider string, task Task) (<-chan []byte, error) {
	q.mu.Lock()
	ln, ok := q.lanes[provider]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("ttsqueue: run: %w: %q", ErrUnknownProvider, provider)
	}

	if ln.active < ln.cap && len(ln.queue) == 0 {
		ln.active++
		q.mu.Unlock()
	} else {
		w := &waiter{ready: make(chan struct{})}
		ln.queue = append(ln.queue, w)
		q.mu.Unlock()

		select {
		case <-w.ready:
			// Slot transferred by the releasing side; active already
			// accounts for us.
		case <-ctx.Done():
			q.mu.Lock()
			if !w.granted {
				w.abandoned = true
				q.mu.Unlock()
				return nil, fmt.Errorf("ttsqueue: run %s: %w", provider, ctx.Err())
			}
			// Granted concurrently with cancellation; give the slot back.
			q.releaseLocked(ln)
			q.mu.Unlock()
			return nil, fmt.Errorf("ttsqueue: run %s: %w", provider, ctx.Err())
		}
	}

	q.gauge(ctx, provider, 1)

	audio, err := task(ctx)
	if err != nil {
		q.release(ln)
		q.gauge(ctx, provider, -1)
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer func() {
			close(out)
			q.release(ln)
			q.gauge(context.Background(), provider, -1)
		}()
		for chunk := range audio {
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the producer can finish and the slot frees.
				for range audio {
				}
				return
			}
		}
	}()
	return out, nil
}

// QueueDepth reports how many requests are waiting for provider's lane.
// Unknown providers report zero.
func (q *Queue) QueueDepth(provider string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[provider]
	if !ok {
		return 0
	}
	return len(ln.queue)
}

// Stats returns a snapshot of every lane, ordered by map iteration.
func (q *Queue) Stats() []LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make([]LaneStats, 0, len(q.lanes))
	for provider, ln := range q.lanes {
		stats = append(stats, LaneStats{
			Provider: provider,
			Active:   ln.active,
			Queued:   len(ln.queue),
			Cap:      ln.cap,
		})
	}
	return stats
}

// release frees one slot of ln and hands it to the next live waiter.
func (q *Queue) release(ln *lane) {
	q.mu.Lock()
	q.releaseLocked(ln)
	q.mu.Unlock()
}

// releaseLocked transfers the slot to the first non-abandoned waiter, or
// decrements active when none waits. Callers hold q.mu.
func (q *Queue) releaseLocked(ln *lane) {
	for len(ln.queue) > 0 {
		w := ln.queue[0]
		ln.queue = ln.queue[1:]
		if w.abandoned {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	ln.active--
}

func (q *Queue) gauge(ctx context.Context, provider string, delta int64) {
	if q.metrics != nil {
		q.metrics.TTSActive.Add(ctx, delta,
			metric.WithAttributes(observe.Attr("provider", provider)))
	}
}
