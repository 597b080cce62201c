package playbook

import (
	"time"
)

// Status is the lifecycle state of a playbook definition.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
)

// StepType identifies the handler a step is executed with.
type StepType string

const (
	StepAgent  StepType = "AGENT"
	StepData   StepType = "DATA"
	StepBranch StepType = "BRANCH"
	StepAPI    StepType = "API"
)

// Playbook is a versioned, ordered definition of steps. Once a run
// references a playbook the definition is treated as immutable.
type Playbook struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Status    Status    `json:"status"`
	Steps     []*Step   `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one entry in a playbook. Key is unique within the playbook;
// Position defines the default traversal order. NextStepKey is the static
// successor for non-branch steps; empty means the run ends after this step.
type Step struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Type        StepType   `json:"type"`
	Position    int        `json:"position"`
	NextStepKey string     `json:"next_step_key,omitempty"`
	Config      StepConfig `json:"config"`
}

// FirstStep returns the entry step (lowest position), or nil for an empty
// playbook.
func (p *Playbook) FirstStep() *Step {
	var first *Step
	for _, s := range p.Steps {
		if first == nil || s.Position < first.Position {
			first = s
		}
	}
	return first
}

// StepByKey returns the step with the given key, or nil.
func (p *Playbook) StepByKey(key string) *Step {
	for _, s := range p.Steps {
		if s.Key == key {
			return s
		}
	}
	return nil
}
