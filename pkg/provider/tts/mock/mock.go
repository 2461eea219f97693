// Package mock provides a test double for the tts package interfaces.
//
// The Provider records every Synthesize call, drains the text channel it is
// given, and emits a configurable sequence of PCM chunks. Tests that need a
// synthesis to stay in flight simply hold the text channel open.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/vocalix/vocalix/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize. Text is
// the concatenation of all fragments drained from the text channel.
type SynthesizeCall struct {
	Voice tts.Voice
	Text  string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// RateValue is returned by SampleRate. Defaults to 16000.
	RateValue int

	// Audio is the sequence of PCM chunks emitted per call.
	Audio [][]byte

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// SynthesizeErrs is a script of errors consumed one per call before
	// SynthesizeErr is consulted. A nil entry means that call succeeds.
	SynthesizeErrs []error

	// EmitBeforeDrain, when true, makes the synthesis goroutine emit Audio
	// before reading any text, so audio is observable while the text channel
	// is still open.
	EmitBeforeDrain bool

	// SynthesizeCalls records every completed call. A call is recorded once
	// its text channel has been fully drained.
	SynthesizeCalls []SynthesizeCall

	started int
}

var _ tts.Provider = (*Provider)(nil)

// Name returns NameValue or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// SampleRate returns RateValue or 16000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RateValue == 0 {
		return 16000
	}
	return p.RateValue
}

// Synthesize drains text, records the call, and emits the configured audio.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	if len(p.SynthesizeErrs) > 0 {
		err := p.SynthesizeErrs[0]
		p.SynthesizeErrs = p.SynthesizeErrs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	} else if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	p.started++
	audio := make([][]byte, len(p.Audio))
	copy(audio, p.Audio)
	emitFirst := p.EmitBeforeDrain
	p.mu.Unlock()

	out := make(chan []byte, len(audio)+1)

	go func() {
		defer close(out)

		emit := func() {
			for _, chunk := range audio {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}

		if emitFirst {
			emit()
		}

		var full strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if !emitFirst {
						emit()
					}
					p.mu.Lock()
					p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{
						Voice: voice,
						Text:  full.String(),
					})
					p.mu.Unlock()
					return
				}
				full.WriteString(fragment)
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// StartedCount returns how many Synthesize calls have begun, including those
// still draining text. Thread-safe.
func (p *Provider) StartedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// CallCount returns the number of completed Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Calls returns a copy of the completed call records. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears recorded calls and error scripts. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.SynthesizeErrs = nil
	p.started = 0
}
