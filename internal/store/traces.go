package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/overseer/internal/memory"
)

// SaveEpisodicTrace appends one episodic trace. Traces are append-only;
// there is no update path.
func (s *Store) SaveEpisodicTrace(ctx context.Context, t *memory.Trace) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("trace %s payload: %w", t.ID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO episodic_traces (id, org_id, run_id, step_key, payload, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.OrgID, t.RunID, t.StepKey, payload, t.Embedding, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", t.ID, err)
	}
	return nil
}

// ListEpisodicTraces returns a run's traces in insertion order.
func (s *Store) ListEpisodicTraces(ctx context.Context, runID string) ([]*memory.Trace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, org_id, run_id, step_key, payload, embedding, created_at
		 FROM episodic_traces WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var traces []*memory.Trace
	for rows.Next() {
		var t memory.Trace
		var payload []byte
		if err := rows.Scan(&t.ID, &t.OrgID, &t.RunID, &t.StepKey, &payload, &t.Embedding, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t.Payload); err != nil {
				return nil, fmt.Errorf("trace %s payload: %w", t.ID, err)
			}
		}
		traces = append(traces, &t)
	}
	return traces, rows.Err()
}
