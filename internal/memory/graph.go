package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// GraphStore persists semantic memory as Neo4j nodes, linked to the run
// they were extracted from. Vectors live in the vector index; the graph
// holds content, importance and scope.
type GraphStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphStore creates a Neo4j-backed semantic store.
func NewGraphStore(uri, user, password string, logger *zap.Logger) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &GraphStore{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (s *GraphStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// SaveSemanticMemory creates a memory node and attaches it to its run.
func (s *GraphStore) SaveSemanticMemory(ctx context.Context, m *SemanticMemory) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	var expiresAt any
	if m.TTL > 0 {
		expiresAt = m.CreatedAt.Add(m.TTL).Format(time.RFC3339)
	}

	_, err := session.Run(ctx,
		`MERGE (r:Run {id: $runId})
		 CREATE (m:Memory {
			id: $id, org_id: $orgId, step_key: $stepKey,
			content: $content, importance: $importance,
			scope: $scope, expires_at: $expiresAt,
			created_at: datetime()
		 })
		 CREATE (m)-[:EXTRACTED_FROM]->(r)`,
		map[string]any{
			"id":         m.ID,
			"orgId":      m.OrgID,
			"runId":      m.RunID,
			"stepKey":    m.StepKey,
			"content":    m.Content,
			"importance": m.Importance,
			"scope":      m.Scope,
			"expiresAt":  expiresAt,
		})
	if err != nil {
		return fmt.Errorf("save semantic memory %s: %w", m.ID, err)
	}
	return nil
}

// ListMemories returns an org's memories ordered by importance.
func (s *GraphStore) ListMemories(ctx context.Context, orgID string, limit int) ([]*SemanticMemory, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {org_id: $orgId})
		 RETURN m.id, m.step_key, m.content, m.importance, m.scope
		 ORDER BY m.importance DESC LIMIT $limit`,
		map[string]any{"orgId": orgID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	var memories []*SemanticMemory
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("m.id")
		stepKey, _ := rec.Get("m.step_key")
		content, _ := rec.Get("m.content")
		importance, _ := rec.Get("m.importance")
		scope, _ := rec.Get("m.scope")
		memories = append(memories, &SemanticMemory{
			ID:         id.(string),
			OrgID:      orgID,
			StepKey:    stepKey.(string),
			Content:    content.(string),
			Importance: importance.(float64),
			Scope:      scope.(string),
		})
	}
	return memories, nil
}

// Close shuts down the Neo4j driver.
func (s *GraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
