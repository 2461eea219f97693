// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens streams with the expected
// StreamConfig. Use Stream to feed controlled events and inspect which audio
// chunks were delivered.
//
// Example:
//
//	s := mock.NewStream()
//	p := &mock.Provider{Stream: s}
//	stream, _ := p.Open(ctx, cfg)
//	s.Emit(stt.Event{Type: stt.EventFinal, Transcript: stt.Transcript{Text: "hello"}})
package mock

import (
	"context"
	"sync"

	"github.com/vocalix/vocalix/pkg/provider/stt"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh NewStream().
	Stream stt.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenErrs is a script of errors consumed one per Open call before
	// OpenErr is consulted. A nil entry means that call succeeds.
	OpenErrs []error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

var _ stt.Provider = (*Provider)(nil)

// Open records the call and returns the configured stream or error.
func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})

	if len(p.OpenErrs) > 0 {
		err := p.OpenErrs[0]
		p.OpenErrs = p.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
	p.OpenErrs = nil
}

// Stream is a mock implementation of stt.Stream. Tests drive the consumer by
// calling Emit and finish with CloseEvents or Close.
type Stream struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events.
	EventsCh chan stt.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseClosesEvents makes Close also close EventsCh, mirroring real
	// streams. Set by NewStream.
	CloseClosesEvents bool

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	eventsClosed bool
}

var _ stt.Stream = (*Stream)(nil)

// NewStream returns a Stream with a buffered event channel that Close will
// close.
func NewStream() *Stream {
	return &Stream{
		EventsCh:          make(chan stt.Event, 32),
		CloseClosesEvents: true,
	}
}

// Emit sends an event to the consumer.
func (s *Stream) Emit(ev stt.Event) {
	s.EventsCh <- ev
}

// CloseEvents closes the event channel once.
func (s *Stream) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeEventsLocked()
}

func (s *Stream) closeEventsLocked() {
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.EventsCh)
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Events returns EventsCh.
func (s *Stream) Events() <-chan stt.Event {
	return s.EventsCh
}

// Close records the call, optionally closes the event channel, and returns
// CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.CloseClosesEvents {
		s.closeEventsLocked()
	}
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Stream) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseCallCount = 0
}
