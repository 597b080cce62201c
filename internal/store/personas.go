package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/persona"
)

// SavePersona upserts a personality keyed by (org, agent).
func (s *Store) SavePersona(ctx context.Context, p *persona.Personality) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	constraints, _ := json.Marshal(p.Constraints)
	_, err := s.db.Exec(ctx, `
		INSERT INTO personas (id, org_id, agent_id, name, role, tone, style, constraints, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (org_id, agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			tone = EXCLUDED.tone,
			style = EXCLUDED.style,
			constraints = EXCLUDED.constraints,
			system_prompt = EXCLUDED.system_prompt,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.OrgID, p.AgentID, p.Name, p.Role, p.Tone, p.Style, constraints, p.SystemPrompt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save persona %s/%s: %w", p.OrgID, p.AgentID, err)
	}
	return nil
}

// GetPersonalityForAgent returns the personality bound to an agent, or nil
// when none is configured.
func (s *Store) GetPersonalityForAgent(ctx context.Context, orgID, agentID string) (*persona.Personality, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, org_id, agent_id, name, COALESCE(role,''), COALESCE(tone,''),
		       COALESCE(style,''), constraints, COALESCE(system_prompt,'')
		FROM personas WHERE org_id = $1 AND agent_id = $2`, orgID, agentID)

	var p persona.Personality
	var constraints []byte
	err := row.Scan(&p.ID, &p.OrgID, &p.AgentID, &p.Name, &p.Role, &p.Tone, &p.Style, &constraints, &p.SystemPrompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %s/%s: %w", orgID, agentID, err)
	}
	if len(constraints) > 0 {
		_ = json.Unmarshal(constraints, &p.Constraints)
	}
	return &p, nil
}
