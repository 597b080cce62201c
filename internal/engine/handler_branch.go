package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/nidhogg/overseer/internal/playbook"
)

// execBranch runs a BRANCH step: conditions are evaluated in order against
// one field of the source object and the first match wins. When nothing
// matches, the configured default routes the run; absent both, the step
// fails with an unmatched-branch error.
func execBranch(step *playbook.Step, cfg *playbook.BranchConfig, st *execState) (map[string]any, error) {
	source, err := st.sourceData(step.Key, cfg.Source)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, &playbook.ConfigError{StepKey: step.Key, Reason: "branch source is not an object"}
	}

	value, present := source[cfg.Field]

	for i, cond := range cfg.Conditions {
		if matchCondition(cond.Operator, value, present, cond.Value) {
			return map[string]any{
				"nextStepKey": cond.NextStepKey,
				"matched":     true,
				"condition":   i,
				"operator":    string(cond.Operator),
				"value":       value,
			}, nil
		}
	}

	if cfg.DefaultStepKey != "" {
		return map[string]any{
			"nextStepKey": cfg.DefaultStepKey,
			"matched":     false,
			"value":       value,
		}, nil
	}

	return nil, fmt.Errorf("branch %s on field %q: %w", step.Key, cfg.Field, ErrUnmatchedBranch)
}

// matchCondition evaluates a single branch condition. exists never matches a
// missing or null source value.
func matchCondition(op playbook.CondOp, value any, present bool, expected any) bool {
	switch op {
	case playbook.CondEquals:
		return equalValues(value, expected)
	case playbook.CondNotEquals:
		return !equalValues(value, expected)
	case playbook.CondContains:
		return containsValue(value, expected)
	case playbook.CondGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(expected)
		return aok && bok && a > b
	case playbook.CondLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(expected)
		return aok && bok && a < b
	case playbook.CondExists:
		return present && value != nil
	default:
		return false
	}
}

// equalValues compares with numeric normalization: JSON decoding yields
// float64 for every number, so 2 and 2.0 must compare equal.
func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
