// Package knowledge defines the retrieval interface the session engine uses
// to ground agent replies in a knowledge base.
//
// Retrieval is two-phase: a cheap relevance check decides whether the
// caller's utterance warrants a lookup at all, and only then does the full
// query run. Both phases sit on the latency-critical path between the
// caller's utterance and the agent's reply, so callers bound them with short
// deadlines and treat failures as "no passages" rather than call failures.
package knowledge

import "context"

// Passage is one retrieved knowledge-base fragment.
type Passage struct {
	// Text is the passage content, ready for prompt injection.
	Text string `json:"text"`

	// Source identifies the originating document or record.
	Source string `json:"source,omitempty"`

	// Score is the retrieval relevance score, higher is better. Zero when
	// the backend does not score.
	Score float64 `json:"score,omitempty"`
}

// Retriever is the abstraction over any knowledge-base backend.
//
// Implementations must be safe for concurrent use.
type Retriever interface {
	// IsRelevant reports whether text is worth a knowledge-base lookup.
	IsRelevant(ctx context.Context, text string) (bool, error)

	// Query retrieves passages relevant to text, scoped to the given
	// agent's knowledge base. An empty slice with nil error means the base
	// holds nothing relevant.
	Query(ctx context.Context, agentID, text string) ([]Passage, error)
}
