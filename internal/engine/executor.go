package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/playbook"
	"go.uber.org/zap"
)

// execState carries the per-run data handlers read from: the run input, the
// outputs of previously executed steps, and run-level options.
type execState struct {
	run     *Run
	outputs map[string]map[string]any
	opts    StartOptions
}

// sourceData resolves a handler's input: the named prior step's output, or
// the run input when source is empty. A run started without input reads as
// an empty object. A reference to a step that has not produced output is a
// configuration error.
func (s *execState) sourceData(stepKey, source string) (map[string]any, error) {
	if source == "" {
		if s.run.Input == nil {
			return map[string]any{}, nil
		}
		return s.run.Input, nil
	}
	out, ok := s.outputs[source]
	if !ok {
		return nil, &playbook.ConfigError{StepKey: stepKey, Reason: fmt.Sprintf("source step %q has no output", source)}
	}
	return out, nil
}

// recordInput resolves the data the step will actually consume so the
// StepRun record and the episodic trace snapshot the real input, not
// unconditionally the run input. Resolution errors are left for the
// handler to surface.
func (s *execState) recordInput(step *playbook.Step) map[string]any {
	var source string
	switch cfg := step.Config.(type) {
	case *playbook.DataConfig:
		source = cfg.Source
	case *playbook.BranchConfig:
		source = cfg.Source
	}
	in, err := s.sourceData(step.Key, source)
	if err != nil {
		return s.run.Input
	}
	return in
}

// executeStep drives one step through its state machine: a StepRun is
// created in PENDING, moved to RUNNING, the handler runs, and the record is
// finalized as SUCCEEDED or FAILED. The StepRun is never re-created for the
// same run+step.
func (e *Engine) executeStep(ctx context.Context, step *playbook.Step, st *execState, coord *Coordinator) (*StepRun, map[string]any, error) {
	now := time.Now()
	sr := &StepRun{
		ID:            uuid.New().String(),
		RunID:         st.run.ID,
		StepID:        step.ID,
		StepKey:       step.Key,
		Status:        StepPending,
		Input:         st.recordInput(step),
		Collaboration: coord.Snapshot(),
		Escalation:    coord.Level(),
		CreatedAt:     now,
	}
	if err := e.stepRuns.CreateStepRun(ctx, sr); err != nil {
		return sr, nil, fmt.Errorf("create step run %s: %w", step.Key, err)
	}

	started := time.Now()
	sr.Status = StepRunning
	sr.StartedAt = &started
	if err := e.stepRuns.UpdateStepRun(ctx, sr); err != nil {
		return sr, nil, fmt.Errorf("mark step run %s running: %w", step.Key, err)
	}

	output, err := e.runHandler(ctx, step, st)
	done := time.Now()
	sr.CompletedAt = &done

	if err != nil {
		sr.Status = StepFailed
		sr.Error = err.Error()
		if uerr := e.stepRuns.UpdateStepRun(ctx, sr); uerr != nil {
			e.logger.Error("persist failed step run", zap.String("step", step.Key), zap.Error(uerr))
		}
		e.publish(ctx, "step.failed", st.run, step.Key)
		return sr, nil, err
	}

	sr.Status = StepSucceeded
	sr.Output = output
	if uerr := e.stepRuns.UpdateStepRun(ctx, sr); uerr != nil {
		return sr, nil, fmt.Errorf("persist step run %s: %w", step.Key, uerr)
	}
	e.publish(ctx, "step.succeeded", st.run, step.Key)

	// Episodic capture is best-effort and must never fail the run.
	if e.memory != nil {
		e.memory.RecordStep(ctx, StepRecord{
			OrgID:   st.run.OrgID,
			RunID:   st.run.ID,
			StepKey: step.Key,
			Input:   sr.Input,
			Output:  output,
			Capture: step.Config.Capture(),
		})
	}
	return sr, output, nil
}

// runHandler dispatches to the per-type handler.
func (e *Engine) runHandler(ctx context.Context, step *playbook.Step, st *execState) (map[string]any, error) {
	switch cfg := step.Config.(type) {
	case *playbook.AgentConfig:
		return e.execAgent(ctx, step, cfg, st)
	case *playbook.DataConfig:
		return execData(step, cfg, st)
	case *playbook.BranchConfig:
		return execBranch(step, cfg, st)
	case *playbook.APIConfig:
		return e.execAPI(ctx, step, cfg, st)
	default:
		return nil, &playbook.ConfigError{StepKey: step.Key, Reason: fmt.Sprintf("no handler for step type %q", step.Type)}
	}
}
