// Package mock provides a test double for the knowledge package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/vocalix/vocalix/pkg/knowledge"
)

// QueryCall records a single invocation of Retriever.Query.
type QueryCall struct {
	AgentID string
	Text    string
}

// Retriever is a mock implementation of knowledge.Retriever.
type Retriever struct {
	mu sync.Mutex

	// Relevant is returned by IsRelevant.
	Relevant bool

	// RelevantErr, if non-nil, is returned by every IsRelevant call.
	RelevantErr error

	// Passages is returned by Query.
	Passages []knowledge.Passage

	// QueryErr, if non-nil, is returned by every Query call.
	QueryErr error

	// Delay, when non-nil, blocks both calls until the channel is closed or
	// the call's ctx is cancelled. Useful for deadline tests.
	Delay chan struct{}

	// IsRelevantCalls records the text of every IsRelevant call.
	IsRelevantCalls []string

	// QueryCalls records every Query call.
	QueryCalls []QueryCall
}

var _ knowledge.Retriever = (*Retriever)(nil)

// IsRelevant records the call and returns the configured answer.
func (r *Retriever) IsRelevant(ctx context.Context, text string) (bool, error) {
	r.mu.Lock()
	r.IsRelevantCalls = append(r.IsRelevantCalls, text)
	relevant, err, delay := r.Relevant, r.RelevantErr, r.Delay
	r.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return relevant, err
}

// Query records the call and returns the configured passages.
func (r *Retriever) Query(ctx context.Context, agentID, text string) ([]knowledge.Passage, error) {
	r.mu.Lock()
	r.QueryCalls = append(r.QueryCalls, QueryCall{AgentID: agentID, Text: text})
	passages := make([]knowledge.Passage, len(r.Passages))
	copy(passages, r.Passages)
	err, delay := r.QueryErr, r.Delay
	r.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return passages, nil
}

// QueryCallCount returns the number of Query calls. Thread-safe.
func (r *Retriever) QueryCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.QueryCalls)
}

// Reset clears recorded calls. Thread-safe.
func (r *Retriever) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.IsRelevantCalls = nil
	r.QueryCalls = nil
}
