package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vocalix/vocalix/pkg/types"
)

const agentColumns = `id, name, persona, greeting, goodbye_line, end_phrases,
	voice_provider, voice_id, llm_provider, llm_model, language,
	knowledge_base_id, active, created_at, updated_at`

// UpsertAgent implements [store.AgentStore].
func (s *Store) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	endPhrases, err := json.Marshal(orEmptyStrings(agent.EndPhrases))
	if err != nil {
		return fmt.Errorf("postgres store: marshal end phrases: %w", err)
	}

	const q = `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		    name = EXCLUDED.name,
		    persona = EXCLUDED.persona,
		    greeting = EXCLUDED.greeting,
		    goodbye_line = EXCLUDED.goodbye_line,
		    end_phrases = EXCLUDED.end_phrases,
		    voice_provider = EXCLUDED.voice_provider,
		    voice_id = EXCLUDED.voice_id,
		    llm_provider = EXCLUDED.llm_provider,
		    llm_model = EXCLUDED.llm_model,
		    language = EXCLUDED.language,
		    knowledge_base_id = EXCLUDED.knowledge_base_id,
		    active = EXCLUDED.active,
		    updated_at = now()`

	_, err = s.pool.Exec(ctx, q,
		agent.ID,
		agent.Name,
		agent.Persona,
		agent.Greeting,
		agent.GoodbyeLine,
		endPhrases,
		agent.VoiceProvider,
		agent.VoiceID,
		agent.LLMProvider,
		agent.LLMModel,
		agent.Language,
		agent.KnowledgeBaseID,
		agent.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert agent: %w", err)
	}
	return nil
}

// GetAgent implements [store.AgentStore].
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get agent: %w", err)
	}
	agent, err := pgx.CollectOneRow(rows, scanAgent)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get agent: %w", classify(err))
	}
	return agent, nil
}

// ListAgents implements [store.AgentStore].
func (s *Store) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list agents: %w", err)
	}
	agents, err := pgx.CollectRows(rows, scanAgent)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list agents: %w", err)
	}
	return agents, nil
}

// scanAgent scans one agents row.
func scanAgent(row pgx.CollectableRow) (*types.Agent, error) {
	var (
		a          types.Agent
		endPhrases []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Persona,
		&a.Greeting,
		&a.GoodbyeLine,
		&endPhrases,
		&a.VoiceProvider,
		&a.VoiceID,
		&a.LLMProvider,
		&a.LLMModel,
		&a.Language,
		&a.KnowledgeBaseID,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(endPhrases) > 0 {
		if err := json.Unmarshal(endPhrases, &a.EndPhrases); err != nil {
			return nil, fmt.Errorf("unmarshal end phrases: %w", err)
		}
	}
	return &a, nil
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
