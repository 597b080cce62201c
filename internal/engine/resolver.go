package engine

import (
	"github.com/nidhogg/overseer/internal/playbook"
)

// ResolveNextStep computes the key of the step to run after the given one.
// BRANCH steps route through their own evaluation result; every other type
// follows the static next key on the definition. An empty key ends the run
// successfully.
func ResolveNextStep(step *playbook.Step, output map[string]any) string {
	if step.Type == playbook.StepBranch {
		if key, ok := output["nextStepKey"].(string); ok {
			return key
		}
		return ""
	}
	return step.NextStepKey
}
