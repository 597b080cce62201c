package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/embedding"
	"github.com/nidhogg/overseer/internal/engine"
	"go.uber.org/zap"
)

// DefaultImportance is used when neither the step output nor the step
// config supplies an importance score.
const DefaultImportance = 0.5

// Recorder implements engine.MemorySink. After every successful step it
// writes an episodic trace; when the output signals memoryWorthy or the
// step config requests capture it also writes semantic memory. Every write
// is best-effort: failures are logged, never surfaced to the run.
type Recorder struct {
	traces   TraceStore
	semantic SemanticStore
	vectors  VectorIndex
	embedder embedding.Provider
	logger   *zap.Logger
}

// NewRecorder creates a recorder. semantic, vectors and embedder may be
// nil; the recorder degrades accordingly.
func NewRecorder(traces TraceStore, semantic SemanticStore, vectors VectorIndex, embedder embedding.Provider, logger *zap.Logger) *Recorder {
	return &Recorder{
		traces:   traces,
		semantic: semantic,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger,
	}
}

// RecordStep captures one successful step execution.
func (r *Recorder) RecordStep(ctx context.Context, rec engine.StepRecord) {
	payload := map[string]any{
		"input":  rec.Input,
		"output": rec.Output,
	}
	vec := r.embed(ctx, payload)

	if r.traces != nil {
		trace := &Trace{
			ID:        uuid.New().String(),
			OrgID:     rec.OrgID,
			RunID:     rec.RunID,
			StepKey:   rec.StepKey,
			Payload:   payload,
			Embedding: vec,
			CreatedAt: time.Now(),
		}
		if err := r.traces.SaveEpisodicTrace(ctx, trace); err != nil {
			r.logger.Warn("episodic trace write failed",
				zap.String("run", rec.RunID),
				zap.String("step", rec.StepKey),
				zap.Error(err))
		}
	}

	if !memoryWorthy(rec) {
		return
	}
	r.recordSemantic(ctx, rec, vec)
}

// memoryWorthy reports whether the step output or config asks for semantic
// capture.
func memoryWorthy(rec engine.StepRecord) bool {
	if rec.Capture.Memory {
		return true
	}
	worthy, _ := rec.Output["memoryWorthy"].(bool)
	return worthy
}

func (r *Recorder) recordSemantic(ctx context.Context, rec engine.StepRecord, vec []float32) {
	if r.semantic == nil && r.vectors == nil {
		return
	}

	mem := &SemanticMemory{
		ID:         uuid.New().String(),
		OrgID:      rec.OrgID,
		RunID:      rec.RunID,
		StepKey:    rec.StepKey,
		Content:    semanticContent(rec.Output),
		Embedding:  vec,
		Importance: importanceOf(rec),
		Scope:      "org:" + rec.OrgID,
		CreatedAt:  time.Now(),
	}

	if r.semantic != nil {
		if err := r.semantic.SaveSemanticMemory(ctx, mem); err != nil {
			r.logger.Warn("semantic memory write failed",
				zap.String("run", rec.RunID),
				zap.String("step", rec.StepKey),
				zap.Error(err))
		}
	}
	if r.vectors != nil {
		payload := map[string]string{
			"org_id":   mem.OrgID,
			"run_id":   mem.RunID,
			"step_key": mem.StepKey,
			"scope":    mem.Scope,
		}
		if err := r.vectors.UpsertVector(ctx, mem.ID, mem.Embedding, payload); err != nil {
			r.logger.Warn("semantic vector upsert failed",
				zap.String("memory", mem.ID),
				zap.Error(err))
		}
	}
}

// importanceOf reads the score from the output, then the config, then the
// default, and clamps it to [0,1].
func importanceOf(rec engine.StepRecord) float64 {
	score := DefaultImportance
	if v, ok := rec.Output["importance"].(float64); ok {
		score = v
	} else if rec.Capture.Importance > 0 {
		score = rec.Capture.Importance
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// semanticContent prefers an explicit summary, falling back to the output
// serialized as JSON.
func semanticContent(output map[string]any) string {
	if s, ok := output["summary"].(string); ok && s != "" {
		return s
	}
	data, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	return string(data)
}

// embed produces the payload embedding, degrading to the zero vector when
// no provider is configured or the provider fails.
func (r *Recorder) embed(ctx context.Context, payload map[string]any) []float32 {
	dim := 0
	if r.embedder != nil {
		dim = r.embedder.Dimension()
	}
	data, err := json.Marshal(payload)
	if err != nil || r.embedder == nil {
		return embedding.ZeroVector(dim)
	}
	vecs, err := r.embedder.Embed(ctx, []string{string(data)})
	if err != nil || len(vecs) == 0 {
		if err != nil {
			r.logger.Warn("embedding failed, recording zero vector", zap.Error(err))
		}
		return embedding.ZeroVector(dim)
	}
	return vecs[0]
}
