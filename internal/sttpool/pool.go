// Package sttpool bounds the number of live streaming speech-to-text
// connections across the process.
//
// Hosted STT vendors cap concurrent streams per account; opening more drops
// connections for calls already in flight. The pool enforces the cap locally:
// up to Capacity sessions hold a stream at once, the rest wait in a strict
// FIFO queue with a deadline. A provider failure during stream creation does
// not consume the slot, so one bad upstream response cannot shrink effective
// capacity.
package sttpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vocalix/vocalix/internal/observe"
	"github.com/vocalix/vocalix/pkg/provider/stt"
)

var (
	// ErrPoolTimeout is returned when an acquire waited longer than
	// Config.QueueTimeout for a slot.
	ErrPoolTimeout = errors.New("sttpool: timed out waiting for a slot")

	// ErrQueueFull is returned when the waiter queue is already at
	// Config.MaxQueueLen.
	ErrQueueFull = errors.New("sttpool: waiter queue full")

	// ErrClientActive is returned when a client id already holds a stream.
	ErrClientActive = errors.New("sttpool: client already holds a stream")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("sttpool: pool closed")
)

// Config tunes the pool.
type Config struct {
	// Capacity is the maximum number of concurrent streams.
	Capacity int

	// QueueTimeout bounds how long an acquire may wait for a slot.
	QueueTimeout time.Duration

	// MaxQueueLen rejects new waiters once this many are queued.
	MaxQueueLen int
}

// Totals are lifetime counters, monotonically increasing.
type Totals struct {
	Acquired int64
	Released int64
	Queued   int64
	Timeouts int64
	Failures int64
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Active      int
	Queued      int
	Capacity    int
	Utilisation float64
	Status      string
	Totals      Totals
}

// Status buckets for alerting, derived from utilisation.
const (
	StatusHealthy  = "healthy"
	StatusModerate = "moderate"
	StatusHigh     = "high"
	StatusCritical = "critical"
)

// waiter is one queued acquire. granted and abandoned are guarded by the
// pool mutex; ready is closed exactly once, when the slot is handed over.
type waiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// Pool is a bounded, FIFO-fair dispenser of streaming STT connections.
type Pool struct {
	provider stt.Provider
	cfg      Config
	metrics  *observe.Metrics

	mu sync.Mutex
	// active holds leased streams by client id. reserved counts slots in
	// transit: handed to a waiter but not yet bound to a client id.
	active   map[string]stt.Stream
	reserved int
	queue    []*waiter
	closed   bool
	totals   Totals
}

// New creates a Pool on top of provider. metrics may be nil.
func New(provider stt.Provider, cfg Config, metrics *observe.Metrics) (*Pool, error) {
	if provider == nil {
		return nil, errors.New("sttpool: provider is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("sttpool: capacity %d must be positive", cfg.Capacity)
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	return &Pool{
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		active:   make(map[string]stt.Stream),
	}, nil
}

// Acquire leases one streaming connection for clientID, waiting in FIFO
// order when the pool is exhausted. The stream must be given back with
// [Pool.Release] under the same clientID.
//
// Errors: [ErrQueueFull] when the queue is at MaxQueueLen, [ErrPoolTimeout]
// when no slot freed within QueueTimeout, and the provider's error (wrapped)
// when upstream creation fails. A creation failure does not hold the slot.
func (p *Pool) Acquire(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := p.active[clientID]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: acquire %s: %w", clientID, ErrClientActive)
	}

	if len(p.active)+p.reserved < p.cfg.Capacity && len(p.queue) == 0 {
		// Reserve the slot before the upstream dial so a concurrent
		// acquire cannot take it.
		p.active[clientID] = nil
		p.mu.Unlock()
		return p.open(ctx, clientID, cfg)
	}

	if p.cfg.MaxQueueLen > 0 && len(p.queue) >= p.cfg.MaxQueueLen {
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: acquire %s: %w", clientID, ErrQueueFull)
	}

	w := &waiter{ready: make(chan struct{})}
	p.queue = append(p.queue, w)
	p.totals.Queued++
	p.mu.Unlock()
	p.gaugeQueued(ctx, 1)

	timer := time.NewTimer(p.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		p.gaugeQueued(ctx, -1)
		return p.claim(ctx, clientID, cfg)

	case <-timer.C:
		p.gaugeQueued(ctx, -1)
		if p.abandon(w) {
			p.mu.Lock()
			p.totals.Timeouts++
			p.mu.Unlock()
			return nil, fmt.Errorf("sttpool: acquire %s: %w", clientID, ErrPoolTimeout)
		}
		// Granted between timer fire and abandon; take the slot.
		return p.claim(ctx, clientID, cfg)

	case <-ctx.Done():
		p.gaugeQueued(ctx, -1)
		if p.abandon(w) {
			return nil, fmt.Errorf("sttpool: acquire %s: %w", clientID, ctx.Err())
		}
		return p.claim(ctx, clientID, cfg)
	}
}

// claim converts a granted reservation into a bound slot and dials upstream.
func (p *Pool) claim(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	p.reserved--
	if p.closed {
		p.wakeNextLocked()
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.active[clientID] = nil
	p.mu.Unlock()
	return p.open(ctx, clientID, cfg)
}

// open dials the upstream for a client that already holds a reserved slot.
func (p *Pool) open(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.Stream, error) {
	stream, err := p.provider.Open(ctx, cfg)

	p.mu.Lock()
	if err != nil {
		delete(p.active, clientID)
		p.totals.Failures++
		p.wakeNextLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: open stream for %s: %w", clientID, err)
	}
	p.active[clientID] = stream
	p.totals.Acquired++
	p.mu.Unlock()

	p.gaugeActive(ctx, 1)
	return stream, nil
}

// Release tears down clientID's stream and hands the freed slot to the next
// queued waiter. Idempotent; releasing an unknown client id is a no-op.
func (p *Pool) Release(clientID string) {
	p.mu.Lock()
	stream, ok := p.active[clientID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, clientID)
	p.totals.Released++
	p.wakeNextLocked()
	p.mu.Unlock()

	if stream != nil {
		// Close tears down the upstream and its event subscriptions.
		_ = stream.Close()
	}
	p.gaugeActive(context.Background(), -1)
}

// wakeNextLocked grants the freed slot to the first still-live waiter,
// holding it as reserved until the waiter claims it. Callers hold p.mu.
func (p *Pool) wakeNextLocked() {
	for len(p.queue) > 0 {
		w := p.queue[0]
		p.queue = p.queue[1:]
		if w.abandoned {
			continue
		}
		w.granted = true
		p.reserved++
		close(w.ready)
		return
	}
}

// abandon marks w as given up. It reports true when the waiter was still
// queued; false means a slot was granted concurrently and the caller must
// use it.
func (p *Pool) abandon(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		return false
	}
	w.abandoned = true
	return true
}

// Stats returns a snapshot of pool occupancy and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Active:   len(p.active),
		Queued:   len(p.queue),
		Capacity: p.cfg.Capacity,
		Totals:   p.totals,
	}
	s.Utilisation = float64(s.Active) / float64(s.Capacity) * 100
	switch {
	case s.Utilisation >= 90:
		s.Status = StatusCritical
	case s.Utilisation >= 75:
		s.Status = StatusHigh
	case s.Utilisation >= 50:
		s.Status = StatusModerate
	default:
		s.Status = StatusHealthy
	}
	return s
}

// Close rejects future acquires, fails queued waiters, and tears down all
// active streams.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	streams := make([]stt.Stream, 0, len(p.active))
	for id, stream := range p.active {
		delete(p.active, id)
		if stream != nil {
			streams = append(streams, stream)
		}
	}
	waiters := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, w := range waiters {
		p.mu.Lock()
		if !w.abandoned && !w.granted {
			w.granted = true
			p.reserved++
			close(w.ready)
		}
		p.mu.Unlock()
	}
	for _, stream := range streams {
		_ = stream.Close()
	}
}

func (p *Pool) gaugeActive(ctx context.Context, delta int64) {
	if p.metrics != nil {
		p.metrics.STTActive.Add(ctx, delta)
	}
}

func (p *Pool) gaugeQueued(ctx context.Context, delta int64) {
	if p.metrics != nil {
		p.metrics.STTQueued.Add(ctx, delta)
	}
}
