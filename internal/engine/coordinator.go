package engine

import (
	"sync"

	"github.com/nidhogg/overseer/internal/playbook"
)

// Coordinator holds one run's shared state and escalation level. Each run
// owns its own Coordinator; nothing is shared across runs.
type Coordinator struct {
	mu    sync.Mutex
	state map[string]any
	level EscalationLevel
}

// NewCoordinator creates a coordinator with empty shared state.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		state: make(map[string]any),
		level: EscalationNone,
	}
}

// Snapshot returns a copy of the current collaboration context.
func (c *Coordinator) Snapshot() CollaborationContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := make(map[string]any, len(c.state))
	for k, v := range c.state {
		state[k] = v
	}
	return CollaborationContext{SharedState: state, Escalation: c.level}
}

// Level returns the current escalation level.
func (c *Coordinator) Level() EscalationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// MergeSharedState merges a patch into the shared state. Existing keys not
// in the patch are kept; the map is never replaced wholesale.
func (c *Coordinator) MergeSharedState(patch map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range patch {
		c.state[k] = v
	}
}

// Escalate raises the escalation level. Requests below the current level are
// ignored; the level never decreases except through Reset.
func (c *Coordinator) Escalate(level EscalationLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if escalationRank[level] > escalationRank[c.level] {
		c.level = level
	}
}

// Reset clears shared state and returns the escalation level to none.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(map[string]any)
	c.level = EscalationNone
}

// DetermineNextStep absorbs a successful step's collaboration signals and
// resolves the next step key. A sharedState patch in the output is merged;
// an escalation request raises the level, and escalating to human aborts the
// run with an EscalationError so operators can route it separately from
// ordinary step failures.
func (c *Coordinator) DetermineNextStep(step *playbook.Step, output map[string]any) (string, error) {
	if patch, ok := output["sharedState"].(map[string]any); ok {
		c.MergeSharedState(patch)
	}
	if raw, ok := output["escalation"].(string); ok {
		level := ParseEscalationLevel(raw)
		c.Escalate(level)
		if level == EscalationHuman {
			return "", &EscalationError{StepKey: step.Key, Level: level}
		}
	}
	return ResolveNextStep(step, output), nil
}
