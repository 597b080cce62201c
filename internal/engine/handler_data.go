package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/overseer/internal/playbook"
)

// execData runs a DATA step. All four operations are pure transforms over
// the resolved source object.
func execData(step *playbook.Step, cfg *playbook.DataConfig, st *execState) (map[string]any, error) {
	source, err := st.sourceData(step.Key, cfg.Source)
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if cfg.SourceField != "" {
		nested, ok := source[cfg.SourceField].(map[string]any)
		if !ok {
			return nil, &playbook.ConfigError{StepKey: step.Key,
				Reason: fmt.Sprintf("%s source field %q is not an object", cfg.Operation, cfg.SourceField)}
		}
		obj = nested
	} else {
		obj = source
	}
	if obj == nil {
		return nil, &playbook.ConfigError{StepKey: step.Key,
			Reason: fmt.Sprintf("%s source is not an object", cfg.Operation)}
	}

	switch cfg.Operation {
	case playbook.OpPluck:
		out := make(map[string]any, len(cfg.Fields))
		for _, f := range cfg.Fields {
			if v, ok := obj[f]; ok {
				out[f] = v
			}
		}
		return out, nil

	case playbook.OpMap:
		out := make(map[string]any, len(cfg.Mapping))
		for target, from := range cfg.Mapping {
			if v, ok := obj[from]; ok {
				out[target] = v
			}
		}
		return out, nil

	case playbook.OpMerge:
		out := make(map[string]any, len(obj)+len(cfg.Static))
		for k, v := range obj {
			out[k] = v
		}
		for k, v := range cfg.Static {
			out[k] = v
		}
		return out, nil

	case playbook.OpTransform:
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			out[k] = v
		}
		for field, op := range cfg.Transforms {
			v, ok := out[field]
			if !ok {
				continue
			}
			tv, err := transformValue(v, op)
			if err != nil {
				return nil, &playbook.ConfigError{StepKey: step.Key,
					Reason: fmt.Sprintf("transform field %q: %v", field, err)}
			}
			out[field] = tv
		}
		return out, nil

	default:
		return nil, &playbook.ConfigError{StepKey: step.Key,
			Reason: fmt.Sprintf("unknown data operation %q", cfg.Operation)}
	}
}

func transformValue(v any, op string) (any, error) {
	switch op {
	case "uppercase":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("uppercase requires a string")
		}
		return strings.ToUpper(s), nil
	case "lowercase":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("lowercase requires a string")
		}
		return strings.ToLower(s), nil
	case "trim":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("trim requires a string")
		}
		return strings.TrimSpace(s), nil
	case "stringify":
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("stringify: %w", err)
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unknown transform op %q", op)
	}
}
