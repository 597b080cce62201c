package memory

import (
	"context"
	"time"
)

// Trace is one episodic record: the full input/output of a step execution
// plus its embedding, keyed by (run, step key). Append-only.
type Trace struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	RunID     string         `json:"run_id"`
	StepKey   string         `json:"step_key"`
	Payload   map[string]any `json:"payload"`
	Embedding []float32      `json:"embedding"`
	CreatedAt time.Time      `json:"created_at"`
}

// SemanticMemory is an importance-weighted fact extracted from a step
// output for future retrieval.
type SemanticMemory struct {
	ID         string        `json:"id"`
	OrgID      string        `json:"org_id"`
	RunID      string        `json:"run_id"`
	StepKey    string        `json:"step_key"`
	Content    string        `json:"content"`
	Embedding  []float32     `json:"embedding"`
	Importance float64       `json:"importance"` // clamped to [0,1]
	Scope      string        `json:"scope"`
	TTL        time.Duration `json:"ttl,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TraceStore persists episodic traces.
type TraceStore interface {
	SaveEpisodicTrace(ctx context.Context, t *Trace) error
}

// SemanticStore persists semantic memory content.
type SemanticStore interface {
	SaveSemanticMemory(ctx context.Context, m *SemanticMemory) error
}

// VectorIndex indexes semantic-memory embeddings for similarity search.
type VectorIndex interface {
	UpsertVector(ctx context.Context, id string, vector []float32, payload map[string]string) error
}
