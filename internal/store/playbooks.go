package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/engine"
	"github.com/nidhogg/overseer/internal/playbook"
)

// CreatePlaybook inserts a playbook and its steps in one transaction.
func (s *Store) CreatePlaybook(ctx context.Context, pb *playbook.Playbook) error {
	if pb.ID == "" {
		pb.ID = uuid.New().String()
	}
	now := time.Now()
	pb.CreatedAt = now
	pb.UpdatedAt = now
	if pb.Status == "" {
		pb.Status = playbook.StatusActive
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO playbooks (id, org_id, name, version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		pb.ID, pb.OrgID, pb.Name, pb.Version, string(pb.Status), now,
	)
	if err != nil {
		return fmt.Errorf("insert playbook: %w", err)
	}

	for _, step := range pb.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		cfgJSON, err := playbook.EncodeStepConfig(step.Config)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO playbook_steps (id, playbook_id, key, type, position, next_step_key, config)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			step.ID, pb.ID, step.Key, string(step.Type), step.Position, step.NextStepKey, cfgJSON,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.Key, err)
		}
	}
	return tx.Commit(ctx)
}

// GetDefinition loads a playbook with its steps ordered by position. The
// config payload of every step is parsed and validated on load, so the
// engine only ever sees well-formed definitions.
func (s *Store) GetDefinition(ctx context.Context, orgID, playbookID string) (*playbook.Playbook, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, org_id, name, version, status, created_at, updated_at
		 FROM playbooks WHERE org_id = $1 AND id = $2`, orgID, playbookID)

	var pb playbook.Playbook
	var status string
	err := row.Scan(&pb.ID, &pb.OrgID, &pb.Name, &pb.Version, &status, &pb.CreatedAt, &pb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("playbook %s/%s: %w", orgID, playbookID, engine.ErrDefinitionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get playbook %s: %w", playbookID, err)
	}
	pb.Status = playbook.Status(status)

	rows, err := s.db.Query(ctx,
		`SELECT id, key, type, position, COALESCE(next_step_key,''), config
		 FROM playbook_steps WHERE playbook_id = $1 ORDER BY position`, pb.ID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step playbook.Step
		var stepType string
		var cfgJSON []byte
		if err := rows.Scan(&step.ID, &step.Key, &stepType, &step.Position, &step.NextStepKey, &cfgJSON); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Type = playbook.StepType(stepType)
		cfg, err := playbook.ParseStepConfig(step.Type, cfgJSON)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Key, err)
		}
		step.Config = cfg
		pb.Steps = append(pb.Steps, &step)
	}
	return &pb, rows.Err()
}

// ListPlaybooks returns an org's playbooks without their steps.
func (s *Store) ListPlaybooks(ctx context.Context, orgID string) ([]*playbook.Playbook, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, org_id, name, version, status, created_at, updated_at
		 FROM playbooks WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var playbooks []*playbook.Playbook
	for rows.Next() {
		var pb playbook.Playbook
		var status string
		if err := rows.Scan(&pb.ID, &pb.OrgID, &pb.Name, &pb.Version, &status, &pb.CreatedAt, &pb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		pb.Status = playbook.Status(status)
		playbooks = append(playbooks, &pb)
	}
	return playbooks, rows.Err()
}
