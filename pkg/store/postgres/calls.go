package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

const callColumns = `id, direction, phone, agent_id, status, sub_status,
	failure_reason, provider_call_id, recording_url, retry_of, retry_count,
	created_at, scheduled_for, initiated_at, started_at, ended_at,
	duration_ms, metadata, transcript`

// CreateCall implements [store.CallStore].
func (s *Store) CreateCall(ctx context.Context, call *types.Call) error {
	metadata, err := json.Marshal(orEmptyMap(call.Metadata))
	if err != nil {
		return fmt.Errorf("postgres store: marshal metadata: %w", err)
	}
	transcript, err := json.Marshal(orEmptyTurns(call.Transcript))
	if err != nil {
		return fmt.Errorf("postgres store: marshal transcript: %w", err)
	}

	const q = `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = s.pool.Exec(ctx, q,
		call.ID,
		call.Direction,
		call.Phone,
		call.AgentID,
		call.Status,
		call.SubStatus,
		call.FailureReason,
		call.ProviderCallID,
		call.RecordingURL,
		call.RetryOf,
		call.RetryCount,
		call.CreatedAt,
		call.ScheduledFor,
		call.InitiatedAt,
		call.StartedAt,
		call.EndedAt,
		call.Duration.Milliseconds(),
		metadata,
		transcript,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create call: %w", classify(err))
	}
	return nil
}

// GetCall implements [store.CallStore].
func (s *Store) GetCall(ctx context.Context, id string) (*types.Call, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get call: %w", err)
	}
	call, err := pgx.CollectOneRow(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get call: %w", classify(err))
	}
	return call, nil
}

// GetCallByProviderID implements [store.CallStore].
func (s *Store) GetCallByProviderID(ctx context.Context, providerCallID string) (*types.Call, error) {
	if providerCallID == "" {
		return nil, fmt.Errorf("postgres store: get call by provider id: %w", store.ErrNotFound)
	}
	const q = `
		SELECT ` + callColumns + `
		FROM   calls
		WHERE  provider_call_id = $1
		ORDER  BY created_at DESC
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, providerCallID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get call by provider id: %w", err)
	}
	call, err := pgx.CollectOneRow(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get call by provider id: %w", classify(err))
	}
	return call, nil
}

// ListCalls implements [store.CallStore].
func (s *Store) ListCalls(ctx context.Context, filter store.CallFilter) ([]*types.Call, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"true"}
	if filter.Direction != "" {
		conditions = append(conditions, "direction = "+next(filter.Direction))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status = ANY("+next(statuses)+")")
	}
	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = "+next(filter.AgentID))
	}

	q := "SELECT " + callColumns + "\nFROM calls\nWHERE " +
		strings.Join(conditions, " AND ") + "\nORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += "\nLIMIT " + next(filter.Limit)
	}
	if filter.Offset > 0 {
		q += "\nOFFSET " + next(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list calls: %w", err)
	}
	calls, err := pgx.CollectRows(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list calls: %w", err)
	}
	return calls, nil
}

// UpdateCall implements [store.CallStore]. An update that carries a status
// change is refused when the stored status is already terminal.
func (s *Store) UpdateCall(ctx context.Context, id string, update store.CallUpdate) (*types.Call, error) {
	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if update.Status != nil {
		sets = append(sets, "status = "+next(*update.Status))
	}
	if update.SubStatus != nil {
		sets = append(sets, "sub_status = "+next(*update.SubStatus))
	}
	if update.FailureReason != nil {
		sets = append(sets, "failure_reason = "+next(*update.FailureReason))
	}
	if update.ProviderCallID != nil {
		sets = append(sets, "provider_call_id = "+next(*update.ProviderCallID))
	}
	if update.RecordingURL != nil {
		sets = append(sets, "recording_url = "+next(*update.RecordingURL))
	}
	if update.InitiatedAt != nil {
		sets = append(sets, "initiated_at = "+next(*update.InitiatedAt))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = "+next(*update.StartedAt))
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = "+next(*update.EndedAt))
	}
	if update.Duration != nil {
		sets = append(sets, "duration_ms = "+next(update.Duration.Milliseconds()))
	}
	if len(sets) == 0 {
		return s.GetCall(ctx, id)
	}

	q := "UPDATE calls SET " + strings.Join(sets, ", ") + "\nWHERE id = $1"
	if update.Status != nil {
		// Terminal statuses are append-only.
		q += "\n  AND status NOT IN ('completed', 'failed', 'canceled')"
	}
	q += "\nRETURNING " + callColumns

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: update call: %w", err)
	}
	call, err := pgx.CollectOneRow(rows, scanCall)
	if err == nil {
		return call, nil
	}
	if classify(err) != store.ErrNotFound {
		return nil, fmt.Errorf("postgres store: update call: %w", classify(err))
	}

	// Nothing matched: distinguish a missing call from a terminal one.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres store: update call: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("postgres store: update call %s: %w", id, store.ErrTerminalStatus)
	}
	return nil, fmt.Errorf("postgres store: update call %s: %w", id, store.ErrNotFound)
}

// AppendTranscript implements [store.CallStore]. Turns are pushed onto the
// JSONB array in one statement so concurrent appends interleave without a
// read-modify-write race.
func (s *Store) AppendTranscript(ctx context.Context, id string, turns []types.TranscriptTurn) error {
	if len(turns) == 0 {
		return nil
	}
	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("postgres store: marshal turns: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET transcript = transcript || $2::jsonb WHERE id = $1`,
		id, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: append transcript to %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// CallStats implements [store.CallStore].
func (s *Store) CallStats(ctx context.Context) (*store.CallStats, error) {
	stats := &store.CallStats{
		ByStatus:    make(map[types.CallStatus]int64),
		ByDirection: make(map[types.Direction]int64),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: call stats: %w", err)
	}
	for rows.Next() {
		var status types.CallStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("postgres store: call stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: call stats: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT direction, count(*) FROM calls GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: call stats: %w", err)
	}
	for rows.Next() {
		var direction types.Direction
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return nil, fmt.Errorf("postgres store: call stats: %w", err)
		}
		stats.ByDirection[direction] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: call stats: %w", err)
	}

	var avgMS *float64
	err = s.pool.QueryRow(ctx,
		`SELECT avg(duration_ms) FROM calls WHERE status = 'completed'`,
	).Scan(&avgMS)
	if err != nil {
		return nil, fmt.Errorf("postgres store: call stats: %w", err)
	}
	if avgMS != nil {
		stats.AvgDuration = time.Duration(*avgMS) * time.Millisecond
	}
	return stats, nil
}

// scanCall scans one calls row.
func scanCall(row pgx.CollectableRow) (*types.Call, error) {
	var (
		c          types.Call
		durationMS int64
		metadata   []byte
		transcript []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Direction,
		&c.Phone,
		&c.AgentID,
		&c.Status,
		&c.SubStatus,
		&c.FailureReason,
		&c.ProviderCallID,
		&c.RecordingURL,
		&c.RetryOf,
		&c.RetryCount,
		&c.CreatedAt,
		&c.ScheduledFor,
		&c.InitiatedAt,
		&c.StartedAt,
		&c.EndedAt,
		&durationMS,
		&metadata,
		&transcript,
	); err != nil {
		return nil, err
	}
	c.Duration = time.Duration(durationMS) * time.Millisecond
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &c.Transcript); err != nil {
			return nil, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	return &c, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyTurns(t []types.TranscriptTurn) []types.TranscriptTurn {
	if t == nil {
		return []types.TranscriptTurn{}
	}
	return t
}
