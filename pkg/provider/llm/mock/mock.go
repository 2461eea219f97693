// Package mock provides a test double for the llm package interfaces.
//
// The Provider records every StreamChat call and plays back a configurable
// script of chunks. Tests that need a generation to stay in flight set Gate
// and release it when ready.
package mock

import (
	"context"
	"sync"

	"github.com/vocalix/vocalix/pkg/provider/llm"
)

// StreamCall records a single invocation of Provider.StreamChat.
type StreamCall struct {
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Chunks is the default script played back per call.
	Chunks []llm.Chunk

	// Scripts, when non-empty, is consumed one entry per call before Chunks
	// is consulted, so successive calls can return different output.
	Scripts [][]llm.Chunk

	// StreamErr, if non-nil, is returned by every StreamChat call.
	StreamErr error

	// StreamErrs is a script of errors consumed one per call before
	// StreamErr is consulted. A nil entry means that call succeeds.
	StreamErrs []error

	// Gate, when non-nil, blocks chunk playback until the channel is closed.
	// Cancelling the call's ctx also releases the stream.
	Gate chan struct{}

	// StreamCalls records every call to StreamChat.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// Name returns NameValue or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// StreamChat records the call and plays back the configured chunk script.
func (p *Provider) StreamChat(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})

	if len(p.StreamErrs) > 0 {
		err := p.StreamErrs[0]
		p.StreamErrs = p.StreamErrs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	} else if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}

	script := p.Chunks
	if len(p.Scripts) > 0 {
		script = p.Scripts[0]
		p.Scripts = p.Scripts[1:]
	}
	chunks := make([]llm.Chunk, len(script))
	copy(chunks, script)
	gate := p.Gate
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}

		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// CallCount returns the number of StreamChat calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// LastRequest returns the request of the most recent call, or a zero Request
// when no calls were made. Thread-safe.
func (p *Provider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.Request{}
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req
}

// Reset clears recorded calls and scripts. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.StreamErrs = nil
	p.Scripts = nil
	p.Gate = nil
}

// TextChunks turns plain text fragments into a chunk script ending with a
// "stop" finish reason.
func TextChunks(fragments ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(fragments)+1)
	for _, f := range fragments {
		out = append(out, llm.Chunk{Text: f})
	}
	out = append(out, llm.Chunk{FinishReason: "stop"})
	return out
}
