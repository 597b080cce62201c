package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/persona"
	"github.com/nidhogg/overseer/internal/playbook"
	"github.com/nidhogg/overseer/internal/provider"
	"go.uber.org/zap"
)

// DefaultMaxSteps bounds a run's step-graph traversal when no per-run limit
// is given. The static nextStepKey graph is unguarded and may contain
// cycles.
const DefaultMaxSteps = 100

// Deps are the capabilities the engine is constructed from. Repositories
// are required; Personas, Memory and Events may be nil. A nil Generator is
// replaced by the pure stub and a nil Caller by the passthrough stub.
type Deps struct {
	Playbooks PlaybookRepository
	Runs      RunRepository
	StepRuns  StepRunRepository
	Generator provider.Generator
	Personas  persona.Provider
	Caller    ExternalCaller
	Memory    MemorySink
	Events    EventSink
	MaxSteps  int
	Logger    *zap.Logger
}

// Engine executes playbook runs. A single run executes its steps strictly
// sequentially; any number of runs may execute concurrently, each with its
// own Coordinator and StepRun set.
type Engine struct {
	playbooks PlaybookRepository
	runs      RunRepository
	stepRuns  StepRunRepository
	generator provider.Generator
	personas  persona.Provider
	caller    ExternalCaller
	memory    MemorySink
	events    EventSink
	maxSteps  int
	logger    *zap.Logger
}

// New creates an engine from its dependencies.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Generator == nil {
		deps.Generator = provider.NewStubFallback(nil, deps.Logger)
	}
	if deps.Caller == nil {
		deps.Caller = StubCaller{}
	}
	if deps.MaxSteps <= 0 {
		deps.MaxSteps = DefaultMaxSteps
	}
	return &Engine{
		playbooks: deps.Playbooks,
		runs:      deps.Runs,
		stepRuns:  deps.StepRuns,
		generator: deps.Generator,
		personas:  deps.Personas,
		caller:    deps.Caller,
		memory:    deps.Memory,
		events:    deps.Events,
		maxSteps:  deps.MaxSteps,
		logger:    deps.Logger,
	}
}

// StartRun loads the playbook definition, creates a run in PENDING and
// executes it to a terminal state. The returned error covers definition
// lookup and persistence problems only; a step failure is recorded on the
// run itself (Status FAILED plus structured Error).
func (e *Engine) StartRun(ctx context.Context, orgID, playbookID string, input map[string]any, actor string, opts StartOptions) (*RunWithSteps, error) {
	pb, err := e.playbooks.GetDefinition(ctx, orgID, playbookID)
	if err != nil {
		return nil, fmt.Errorf("load playbook %s: %w", playbookID, err)
	}

	now := time.Now()
	run := &Run{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		PlaybookID: playbookID,
		Status:     RunPending,
		Input:      input,
		Actor:      actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.logger.Info("run started",
		zap.String("run", run.ID),
		zap.String("playbook", playbookID),
		zap.String("org", orgID))

	return e.execute(ctx, pb, run, opts)
}

// RunPlaybook re-enters an existing run by id and drives the same loop.
// Operators use it to redrive a run left in RUNNING by a crash; a run that
// already reached a terminal state is rejected with ErrRunTerminal.
func (e *Engine) RunPlaybook(ctx context.Context, orgID, runID string) (*RunWithSteps, error) {
	run, err := e.runs.GetRun(ctx, orgID, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("redrive run %s (%s): %w", runID, run.Status, ErrRunTerminal)
	}
	pb, err := e.playbooks.GetDefinition(ctx, orgID, run.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("load playbook %s: %w", run.PlaybookID, err)
	}
	return e.execute(ctx, pb, run, StartOptions{})
}

// execute drives the run loop: RUNNING, then steps until no next key
// remains or a step fails, then exactly one terminal transition.
func (e *Engine) execute(ctx context.Context, pb *playbook.Playbook, run *Run, opts StartOptions) (*RunWithSteps, error) {
	started := time.Now()
	run.Status = RunRunning
	run.StartedAt = &started
	run.UpdatedAt = started
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	e.publish(ctx, "run.started", run, "")

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.maxSteps
	}

	coord := NewCoordinator()
	st := &execState{
		run:     run,
		outputs: make(map[string]map[string]any),
		opts:    opts,
	}
	visited := make(map[string]bool)
	var stepRuns []*StepRun
	var failure *RunError

	current := pb.FirstStep()
	for current != nil {
		// Each step executes at most once per run; a revisit means the
		// nextStepKey graph has a cycle.
		if visited[current.Key] {
			failure = &RunError{
				Kind:    KindStepExecutionFailure,
				Message: fmt.Sprintf("cycle detected: step %q already executed", current.Key),
				Stack:   fmt.Sprintf("step=%s: cycle in next-step graph", current.Key),
			}
			break
		}
		visited[current.Key] = true
		if len(visited) > maxSteps {
			failure = &RunError{
				Kind:    KindStepExecutionFailure,
				Message: fmt.Sprintf("run exceeded max steps (%d)", maxSteps),
				Stack:   fmt.Sprintf("step=%s: max steps exceeded", current.Key),
			}
			break
		}

		sr, output, err := e.executeStep(ctx, current, st, coord)
		stepRuns = append(stepRuns, sr)
		if err != nil {
			failure = newRunError(current.Key, err)
			break
		}
		st.outputs[current.Key] = output

		nextKey, err := coord.DetermineNextStep(current, output)
		if err != nil {
			failure = newRunError(current.Key, err)
			break
		}
		if nextKey == "" {
			current = nil
			continue
		}
		next := pb.StepByKey(nextKey)
		if next == nil {
			failure = &RunError{
				Kind:    KindStepExecutionFailure,
				Message: fmt.Sprintf("next step %q not found in playbook", nextKey),
				Stack:   fmt.Sprintf("step=%s: dangling next step key %q", current.Key, nextKey),
			}
			break
		}
		current = next
	}

	completed := time.Now()
	run.CompletedAt = &completed
	run.UpdatedAt = completed
	if failure != nil {
		run.Status = RunFailed
		run.Error = failure
		run.Output = nil
		e.logger.Warn("run failed",
			zap.String("run", run.ID),
			zap.String("kind", string(failure.Kind)),
			zap.String("message", failure.Message))
	} else {
		run.Status = RunSucceeded
		run.Output = st.outputs
		e.logger.Info("run succeeded",
			zap.String("run", run.ID),
			zap.Int("steps", len(stepRuns)))
	}
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	if failure != nil {
		e.publish(ctx, "run.failed", run, "")
	} else {
		e.publish(ctx, "run.succeeded", run, "")
	}

	return &RunWithSteps{Run: run, StepRuns: stepRuns}, nil
}

// publish emits a lifecycle event; failures are logged and ignored.
func (e *Engine) publish(ctx context.Context, typ string, run *Run, stepKey string) {
	if e.events == nil {
		return
	}
	ev := RunEvent{
		Type:    typ,
		OrgID:   run.OrgID,
		RunID:   run.ID,
		StepKey: stepKey,
		At:      time.Now(),
	}
	if err := e.events.PublishRunEvent(ctx, ev); err != nil {
		e.logger.Warn("publish run event failed", zap.String("type", typ), zap.Error(err))
	}
}
