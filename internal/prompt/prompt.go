// Package prompt assembles the chat-completion request for one agent reply:
// the persona as system prompt, a bounded window of conversation history, and
// optional knowledge-base passages.
//
// The knowledge lookup sits on the latency path between the caller finishing
// a sentence and the agent starting to speak, so it runs under its own short
// deadline and degrades to an empty passage list on any failure. The
// speculative response path skips the lookup entirely.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vocalix/vocalix/pkg/knowledge"
	"github.com/vocalix/vocalix/pkg/provider/llm"
	"github.com/vocalix/vocalix/pkg/types"
)

// Config tunes assembly. Zero values fall back to the documented defaults.
type Config struct {
	// HistoryWindow is the maximum number of past turns included in the
	// request. Default: 20.
	HistoryWindow int

	// LookupTimeout bounds the knowledge-base relevance check plus query.
	// Default: 2s.
	LookupTimeout time.Duration
}

// Assembler builds [llm.Request] values for agent replies.
type Assembler struct {
	retriever knowledge.Retriever
	cfg       Config
	logger    *slog.Logger
}

// New creates an Assembler. retriever may be nil to disable knowledge
// retrieval; logger may be nil.
func New(retriever knowledge.Retriever, cfg Config, logger *slog.Logger) *Assembler {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{retriever: retriever, cfg: cfg, logger: logger}
}

// Assemble builds the request for the agent's reply to utterance, consulting
// the knowledge base when the agent has one configured. history is the
// conversation so far, oldest first, not including utterance.
func (a *Assembler) Assemble(ctx context.Context, agent *types.Agent, history []types.TranscriptTurn, utterance string) llm.Request {
	passages := a.lookup(ctx, agent, utterance)
	return a.build(agent, history, utterance, passages)
}

// AssembleSpeculative builds the request without any knowledge lookup, for
// responses started before the caller has finished speaking.
func (a *Assembler) AssembleSpeculative(agent *types.Agent, history []types.TranscriptTurn, utterance string) llm.Request {
	return a.build(agent, history, utterance, nil)
}

// lookup runs the relevance check and query under the lookup deadline. Any
// failure, including the deadline, yields no passages.
func (a *Assembler) lookup(ctx context.Context, agent *types.Agent, utterance string) []knowledge.Passage {
	if a.retriever == nil || agent.KnowledgeBaseID == "" {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.cfg.LookupTimeout)
	defer cancel()

	var passages []knowledge.Passage
	g, gctx := errgroup.WithContext(lookupCtx)
	g.Go(func() error {
		relevant, err := a.retriever.IsRelevant(gctx, utterance)
		if err != nil {
			return fmt.Errorf("relevance check: %w", err)
		}
		if !relevant {
			return nil
		}
		passages, err = a.retriever.Query(gctx, agent.ID, utterance)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.Warn("knowledge lookup failed, continuing without passages",
			"agent_id", agent.ID, "error", err)
		return nil
	}
	return passages
}

// build renders the system prompt and history window into a request.
func (a *Assembler) build(agent *types.Agent, history []types.TranscriptTurn, utterance string, passages []knowledge.Passage) llm.Request {
	var sys strings.Builder
	sys.WriteString(agent.Persona)
	if len(passages) > 0 {
		sys.WriteString("\n\nRelevant knowledge:\n")
		for _, p := range passages {
			sys.WriteString("- ")
			sys.WriteString(p.Text)
			if p.Source != "" {
				sys.WriteString(" (")
				sys.WriteString(p.Source)
				sys.WriteString(")")
			}
			sys.WriteString("\n")
		}
	}

	if len(history) > a.cfg.HistoryWindow {
		history = history[len(history)-a.cfg.HistoryWindow:]
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Speaker == types.SpeakerAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})

	return llm.Request{
		Model:        agent.LLMModel,
		SystemPrompt: sys.String(),
		Messages:     messages,
	}
}
