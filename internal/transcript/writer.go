// Package transcript batches conversation turns and appends them to the
// call record.
//
// A live call produces a turn every few seconds; writing each one
// immediately would put a row update on the hot audio path. The writer
// buffers turns per call and flushes a call's buffer when it reaches
// BatchSize or when the periodic timer fires, whichever comes first.
// Flushes for one call are serialised so appends land in order; flushes for
// different calls run independently.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("transcript: writer closed")

// Config tunes batching. Zero values fall back to the documented defaults.
type Config struct {
	// BatchSize flushes a call's buffer once this many turns accumulate.
	// Default: 5.
	BatchSize int

	// FlushInterval flushes all non-empty buffers at least this often.
	// Default: 10s.
	FlushInterval time.Duration

	// FlushTimeout bounds one store append. Default: 5s.
	FlushTimeout time.Duration
}

// buffer is the pending state for one call. flushMu serialises flushes so
// batches append in order; mu guards the slice.
type buffer struct {
	mu      sync.Mutex
	flushMu sync.Mutex
	turns   []types.TranscriptTurn
}

// Writer batches transcript turns per call and appends them to the store.
type Writer struct {
	store  store.CallStore
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Writer and starts its periodic flush loop.
func New(st store.CallStore, cfg Config, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		buffers: make(map[string]*buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Append buffers one turn for callID, flushing asynchronously when the
// buffer reaches BatchSize.
func (w *Writer) Append(callID string, turn types.TranscriptTurn) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	buf, ok := w.buffers[callID]
	if !ok {
		buf = &buffer{}
		w.buffers[callID] = buf
	}
	w.mu.Unlock()

	buf.mu.Lock()
	buf.turns = append(buf.turns, turn)
	full := len(buf.turns) >= w.cfg.BatchSize
	buf.mu.Unlock()

	if full {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.flush(callID, buf)
		}()
	}
	return nil
}

// FlushCall synchronously flushes callID's buffer, typically at call end
// before the final status update.
func (w *Writer) FlushCall(callID string) {
	w.mu.Lock()
	buf, ok := w.buffers[callID]
	if ok {
		delete(w.buffers, callID)
	}
	w.mu.Unlock()
	if ok {
		w.flush(callID, buf)
	}
}

// Close stops the periodic loop, flushes every buffer, and waits for
// in-flight flushes.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	buffers := w.buffers
	w.buffers = make(map[string]*buffer)
	w.mu.Unlock()

	close(w.stop)
	<-w.done

	for callID, buf := range buffers {
		w.flush(callID, buf)
	}
	w.wg.Wait()
}

// loop drives the periodic flush.
func (w *Writer) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flushAll()
		case <-w.stop:
			return
		}
	}
}

// flushAll flushes every non-empty buffer.
func (w *Writer) flushAll() {
	w.mu.Lock()
	type entry struct {
		callID string
		buf    *buffer
	}
	entries := make([]entry, 0, len(w.buffers))
	for callID, buf := range w.buffers {
		entries = append(entries, entry{callID, buf})
	}
	w.mu.Unlock()

	for _, e := range entries {
		w.flush(e.callID, e.buf)
	}
}

// flush appends buf's pending turns for callID. On store failure the turns
// are put back at the front of the buffer for the next attempt.
func (w *Writer) flush(callID string, buf *buffer) {
	buf.flushMu.Lock()
	defer buf.flushMu.Unlock()

	buf.mu.Lock()
	turns := buf.turns
	buf.turns = nil
	buf.mu.Unlock()
	if len(turns) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	if err := w.store.AppendTranscript(ctx, callID, turns); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The call record is gone; the turns have nowhere to go.
			w.logger.Warn("dropping transcript batch for unknown call",
				"call_id", callID, "turns", len(turns))
			return
		}
		w.logger.Error("transcript flush failed, will retry",
			"call_id", callID, "turns", len(turns), "error", err)
		buf.mu.Lock()
		buf.turns = append(turns, buf.turns...)
		buf.mu.Unlock()
		return
	}
}

// Pending reports the number of buffered turns for callID, for tests and
// introspection.
func (w *Writer) Pending(callID string) int {
	w.mu.Lock()
	buf, ok := w.buffers[callID]
	w.mu.Unlock()
	if !ok {
		return 0
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.turns)
}

// String implements fmt.Stringer for debug logs.
func (w *Writer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fmt.Sprintf("transcript.Writer{calls: %d}", len(w.buffers))
}
