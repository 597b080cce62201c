package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/engine"
)

// runRow is the database shape of an engine.Run. The mappers between row
// and domain are pure so they can round-trip exactly.
type runRow struct {
	ID          string
	OrgID       string
	PlaybookID  string
	Status      string
	Actor       string
	Input       []byte
	Output      []byte
	Error       []byte
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func newRunRow(run *engine.Run) (*runRow, error) {
	r := &runRow{
		ID:          run.ID,
		OrgID:       run.OrgID,
		PlaybookID:  run.PlaybookID,
		Status:      string(run.Status),
		Actor:       run.Actor,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}
	var err error
	if r.Input, err = marshalJSON(run.Input); err != nil {
		return nil, fmt.Errorf("run %s input: %w", run.ID, err)
	}
	if r.Output, err = marshalJSON(run.Output); err != nil {
		return nil, fmt.Errorf("run %s output: %w", run.ID, err)
	}
	if r.Error, err = marshalJSON(run.Error); err != nil {
		return nil, fmt.Errorf("run %s error: %w", run.ID, err)
	}
	return r, nil
}

func (r *runRow) toDomain() (*engine.Run, error) {
	run := &engine.Run{
		ID:          r.ID,
		OrgID:       r.OrgID,
		PlaybookID:  r.PlaybookID,
		Status:      engine.RunStatus(r.Status),
		Actor:       r.Actor,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := unmarshalJSON(r.Input, &run.Input); err != nil {
		return nil, fmt.Errorf("run %s input: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.Output, &run.Output); err != nil {
		return nil, fmt.Errorf("run %s output: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.Error, &run.Error); err != nil {
		return nil, fmt.Errorf("run %s error: %w", r.ID, err)
	}
	return run, nil
}

// stepRunRow is the database shape of an engine.StepRun.
type stepRunRow struct {
	ID            string
	RunID         string
	StepID        string
	StepKey       string
	Status        string
	Input         []byte
	Output        []byte
	Error         string
	Collaboration []byte
	Escalation    string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

func newStepRunRow(sr *engine.StepRun) (*stepRunRow, error) {
	r := &stepRunRow{
		ID:          sr.ID,
		RunID:       sr.RunID,
		StepID:      sr.StepID,
		StepKey:     sr.StepKey,
		Status:      string(sr.Status),
		Error:       sr.Error,
		Escalation:  string(sr.Escalation),
		StartedAt:   sr.StartedAt,
		CompletedAt: sr.CompletedAt,
		CreatedAt:   sr.CreatedAt,
	}
	var err error
	if r.Input, err = marshalJSON(sr.Input); err != nil {
		return nil, fmt.Errorf("step run %s input: %w", sr.ID, err)
	}
	if r.Output, err = marshalJSON(sr.Output); err != nil {
		return nil, fmt.Errorf("step run %s output: %w", sr.ID, err)
	}
	if r.Collaboration, err = json.Marshal(sr.Collaboration); err != nil {
		return nil, fmt.Errorf("step run %s collaboration: %w", sr.ID, err)
	}
	return r, nil
}

func (r *stepRunRow) toDomain() (*engine.StepRun, error) {
	sr := &engine.StepRun{
		ID:          r.ID,
		RunID:       r.RunID,
		StepID:      r.StepID,
		StepKey:     r.StepKey,
		Status:      engine.StepStatus(r.Status),
		Error:       r.Error,
		Escalation:  engine.EscalationLevel(r.Escalation),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
	}
	if err := unmarshalJSON(r.Input, &sr.Input); err != nil {
		return nil, fmt.Errorf("step run %s input: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.Output, &sr.Output); err != nil {
		return nil, fmt.Errorf("step run %s output: %w", r.ID, err)
	}
	if len(r.Collaboration) > 0 {
		if err := json.Unmarshal(r.Collaboration, &sr.Collaboration); err != nil {
			return nil, fmt.Errorf("step run %s collaboration: %w", r.ID, err)
		}
	}
	return sr, nil
}

// marshalJSON encodes a value as jsonb, keeping nil as NULL so the
// round-trip preserves absence.
func marshalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case map[string]map[string]any:
		if val == nil {
			return nil, nil
		}
	case *engine.RunError:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *engine.Run) error {
	r, err := newRunRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO playbook_runs
		   (id, org_id, playbook_id, status, actor, input, output, error, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OrgID, r.PlaybookID, r.Status, r.Actor, r.Input, r.Output, r.Error,
		r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun persists the run's current state.
func (s *Store) UpdateRun(ctx context.Context, run *engine.Run) error {
	r, err := newRunRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE playbook_runs SET
		   status = $2, output = $3, error = $4,
		   started_at = $5, completed_at = $6, updated_at = $7
		 WHERE id = $1`,
		r.ID, r.Status, r.Output, r.Error, r.StartedAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run owned by the org.
func (s *Store) GetRun(ctx context.Context, orgID, runID string) (*engine.Run, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, org_id, playbook_id, status, COALESCE(actor,''), input, output, error,
		        started_at, completed_at, created_at, updated_at
		 FROM playbook_runs WHERE org_id = $1 AND id = $2`, orgID, runID)

	var r runRow
	err := row.Scan(&r.ID, &r.OrgID, &r.PlaybookID, &r.Status, &r.Actor, &r.Input, &r.Output,
		&r.Error, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, engine.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r.toDomain()
}

// ListRuns returns an org's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, orgID string, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, org_id, playbook_id, status, COALESCE(actor,''), input, output, error,
		        started_at, completed_at, created_at, updated_at
		 FROM playbook_runs WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.ID, &r.OrgID, &r.PlaybookID, &r.Status, &r.Actor, &r.Input,
			&r.Output, &r.Error, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateStepRun inserts a new step run row. The seq column records dispatch
// order.
func (s *Store) CreateStepRun(ctx context.Context, sr *engine.StepRun) error {
	r, err := newStepRunRow(sr)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO playbook_step_runs
		   (id, run_id, step_id, step_key, status, input, output, error, collaboration,
		    escalation, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.RunID, r.StepID, r.StepKey, r.Status, r.Input, r.Output, r.Error,
		r.Collaboration, r.Escalation, r.StartedAt, r.CompletedAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step run %s: %w", sr.ID, err)
	}
	return nil
}

// UpdateStepRun persists the step run's current state.
func (s *Store) UpdateStepRun(ctx context.Context, sr *engine.StepRun) error {
	r, err := newStepRunRow(sr)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE playbook_step_runs SET
		   status = $2, output = $3, error = $4, collaboration = $5,
		   escalation = $6, started_at = $7, completed_at = $8
		 WHERE id = $1`,
		r.ID, r.Status, r.Output, r.Error, r.Collaboration, r.Escalation,
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update step run %s: %w", sr.ID, err)
	}
	return nil
}

// ListStepRuns returns a run's step runs in dispatch order.
func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]*engine.StepRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, step_id, step_key, status, input, output, COALESCE(error,''),
		        collaboration, escalation, started_at, completed_at, created_at
		 FROM playbook_step_runs WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var stepRuns []*engine.StepRun
	for rows.Next() {
		var r stepRunRow
		if err := rows.Scan(&r.ID, &r.RunID, &r.StepID, &r.StepKey, &r.Status, &r.Input,
			&r.Output, &r.Error, &r.Collaboration, &r.Escalation, &r.StartedAt,
			&r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		sr, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		stepRuns = append(stepRuns, sr)
	}
	return stepRuns, rows.Err()
}
