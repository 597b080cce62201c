package engine

import (
	"context"
	"time"

	"github.com/nidhogg/overseer/internal/playbook"
)

// RunStatus is the lifecycle state of a playbook run. Terminal states are
// reached at most once.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is one of the terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a single step run. Transitions are
// monotonic: PENDING -> RUNNING -> {SUCCEEDED, FAILED, SKIPPED}.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// EscalationLevel tracks how far a run has escalated. Levels only move up
// within a run unless the coordinator is explicitly reset.
type EscalationLevel string

const (
	EscalationNone       EscalationLevel = "none"
	EscalationPeer       EscalationLevel = "peer"
	EscalationSupervisor EscalationLevel = "supervisor"
	EscalationHuman      EscalationLevel = "human"
)

var escalationRank = map[EscalationLevel]int{
	EscalationNone:       0,
	EscalationPeer:       1,
	EscalationSupervisor: 2,
	EscalationHuman:      3,
}

// ParseEscalationLevel maps a step-output escalation value to a level.
// Unknown values map to none.
func ParseEscalationLevel(s string) EscalationLevel {
	l := EscalationLevel(s)
	if _, ok := escalationRank[l]; ok {
		return l
	}
	return EscalationNone
}

// CollaborationContext is the cross-step shared state of one run. Patches
// from step outputs are merged into SharedState, never replacing it.
type CollaborationContext struct {
	SharedState map[string]any  `json:"shared_state"`
	Escalation  EscalationLevel `json:"escalation"`
}

// Run is one execution instance of a playbook. Output is populated only when
// the run succeeds; Error only when it fails.
type Run struct {
	ID          string                    `json:"id"`
	OrgID       string                    `json:"org_id"`
	PlaybookID  string                    `json:"playbook_id"`
	Status      RunStatus                 `json:"status"`
	Input       map[string]any            `json:"input"`
	Output      map[string]map[string]any `json:"output,omitempty"`
	Error       *RunError                 `json:"error,omitempty"`
	Actor       string                    `json:"actor,omitempty"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// StepRun is the execution record of one step within a run. It is created
// exactly once per step dispatch.
type StepRun struct {
	ID            string               `json:"id"`
	RunID         string               `json:"run_id"`
	StepID        string               `json:"step_id"`
	StepKey       string               `json:"step_key"`
	Status        StepStatus           `json:"status"`
	Input         map[string]any       `json:"input,omitempty"`
	Output        map[string]any       `json:"output,omitempty"`
	Error         string               `json:"error,omitempty"`
	Collaboration CollaborationContext `json:"collaboration"`
	Escalation    EscalationLevel      `json:"escalation"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// RunWithSteps is the engine's public result: the run plus its step records
// in dispatch order.
type RunWithSteps struct {
	Run      *Run       `json:"run"`
	StepRuns []*StepRun `json:"step_runs"`
}

// StartOptions tunes a single run.
type StartOptions struct {
	// MaxSteps bounds traversal of the step graph; 0 uses the engine default.
	MaxSteps int `json:"max_steps,omitempty"`
	// Model overrides the per-step model for AGENT steps.
	Model string `json:"model,omitempty"`
}

// PlaybookRepository loads immutable playbook definitions.
type PlaybookRepository interface {
	GetDefinition(ctx context.Context, orgID, playbookID string) (*playbook.Playbook, error)
}

// RunRepository persists runs. The engine owns all writes to a run while it
// executes it.
type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, orgID, runID string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
}

// StepRunRepository persists step runs.
type StepRunRepository interface {
	CreateStepRun(ctx context.Context, sr *StepRun) error
	UpdateStepRun(ctx context.Context, sr *StepRun) error
	ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error)
}

// StepRecord is what the engine hands to the memory layer after a step
// succeeds.
type StepRecord struct {
	OrgID   string
	RunID   string
	StepKey string
	Input   map[string]any
	Output  map[string]any
	Capture playbook.CaptureOpts
}

// MemorySink receives step records. Implementations must be best-effort: a
// sink failure must never fail a run, so the method returns nothing.
type MemorySink interface {
	RecordStep(ctx context.Context, rec StepRecord)
}

// RunEvent is a lifecycle notification emitted while a run executes.
type RunEvent struct {
	Type    string    `json:"type"` // run.started, step.succeeded, step.failed, run.succeeded, run.failed
	OrgID   string    `json:"org_id"`
	RunID   string    `json:"run_id"`
	StepKey string    `json:"step_key,omitempty"`
	At      time.Time `json:"at"`
}

// EventSink publishes run lifecycle events for external collaborators.
// Best-effort; the engine ignores publish failures.
type EventSink interface {
	PublishRunEvent(ctx context.Context, ev RunEvent) error
}
