package playbook

import (
	"encoding/json"
	"fmt"
)

// ConfigError reports a malformed or incomplete step configuration. It is
// raised both at definition-load time and when a DATA/BRANCH handler finds
// its source data unusable.
type ConfigError struct {
	StepKey string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.StepKey == "" {
		return fmt.Sprintf("invalid step config: %s", e.Reason)
	}
	return fmt.Sprintf("invalid step config %s: %s", e.StepKey, e.Reason)
}

// CaptureOpts asks the memory layer to persist semantic memory for a step
// regardless of what its output signals.
type CaptureOpts struct {
	Memory     bool    `json:"memory,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

// StepConfig is the per-type configuration payload of a step. Exactly one
// concrete type exists per StepType; payloads are validated when the
// definition is constructed, not when the step executes.
type StepConfig interface {
	StepType() StepType
	Capture() CaptureOpts
	Validate() error
}

// AgentConfig drives an AGENT step: persona resolution plus one generation
// call.
type AgentConfig struct {
	AgentID      string      `json:"agent_id,omitempty"`
	Model        string      `json:"model,omitempty"`
	Temperature  float64     `json:"temperature,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Prompt       string      `json:"prompt"`
	CaptureOpts  CaptureOpts `json:"capture,omitempty"`
}

func (c *AgentConfig) StepType() StepType   { return StepAgent }
func (c *AgentConfig) Capture() CaptureOpts { return c.CaptureOpts }

func (c *AgentConfig) Validate() error {
	if c.Prompt == "" {
		return &ConfigError{Reason: "agent step requires a prompt"}
	}
	return nil
}

// DataOp enumerates the pure transforms a DATA step supports.
type DataOp string

const (
	OpPluck     DataOp = "pluck"
	OpMap       DataOp = "map"
	OpMerge     DataOp = "merge"
	OpTransform DataOp = "transform"
)

// DataConfig drives a DATA step. Source names a prior step whose output is
// the transform input; empty means the run input. SourceField optionally
// drills one level into that object first.
type DataConfig struct {
	Operation   DataOp            `json:"operation"`
	Source      string            `json:"source,omitempty"`
	SourceField string            `json:"source_field,omitempty"`
	Fields      []string          `json:"fields,omitempty"`     // pluck
	Mapping     map[string]string `json:"mapping,omitempty"`    // map: target -> source field
	Static      map[string]any    `json:"static,omitempty"`     // merge overlay
	Transforms  map[string]string `json:"transforms,omitempty"` // transform: field -> op
	CaptureOpts CaptureOpts       `json:"capture,omitempty"`
}

func (c *DataConfig) StepType() StepType   { return StepData }
func (c *DataConfig) Capture() CaptureOpts { return c.CaptureOpts }

func (c *DataConfig) Validate() error {
	switch c.Operation {
	case OpPluck:
		if len(c.Fields) == 0 {
			return &ConfigError{Reason: "pluck requires fields"}
		}
	case OpMap:
		if len(c.Mapping) == 0 {
			return &ConfigError{Reason: "map requires a mapping"}
		}
	case OpMerge:
	case OpTransform:
		if len(c.Transforms) == 0 {
			return &ConfigError{Reason: "transform requires transforms"}
		}
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown data operation %q", c.Operation)}
	}
	return nil
}

// CondOp enumerates branch condition operators.
type CondOp string

const (
	CondEquals      CondOp = "equals"
	CondNotEquals   CondOp = "notEquals"
	CondContains    CondOp = "contains"
	CondGreaterThan CondOp = "greaterThan"
	CondLessThan    CondOp = "lessThan"
	CondExists      CondOp = "exists"
)

// BranchCondition is one entry in a BRANCH step's ordered condition list.
type BranchCondition struct {
	Operator    CondOp `json:"operator"`
	Value       any    `json:"value,omitempty"`
	NextStepKey string `json:"next_step_key"`
}

// BranchConfig drives a BRANCH step: conditions are evaluated in order
// against one field of a named prior output; the first match wins.
type BranchConfig struct {
	Source         string            `json:"source"`
	Field          string            `json:"field"`
	Conditions     []BranchCondition `json:"conditions"`
	DefaultStepKey string            `json:"default_step_key,omitempty"`
	CaptureOpts    CaptureOpts       `json:"capture,omitempty"`
}

func (c *BranchConfig) StepType() StepType   { return StepBranch }
func (c *BranchConfig) Capture() CaptureOpts { return c.CaptureOpts }

func (c *BranchConfig) Validate() error {
	if c.Field == "" {
		return &ConfigError{Reason: "branch requires a field to evaluate"}
	}
	if len(c.Conditions) == 0 && c.DefaultStepKey == "" {
		return &ConfigError{Reason: "branch requires conditions or a default step key"}
	}
	for i, cond := range c.Conditions {
		switch cond.Operator {
		case CondEquals, CondNotEquals, CondContains, CondGreaterThan, CondLessThan, CondExists:
		default:
			return &ConfigError{Reason: fmt.Sprintf("condition %d: unknown operator %q", i, cond.Operator)}
		}
		if cond.NextStepKey == "" {
			return &ConfigError{Reason: fmt.Sprintf("condition %d: missing next step key", i)}
		}
	}
	return nil
}

// APIConfig describes an external call. The engine hands it to an injected
// caller capability; no retry is modeled.
type APIConfig struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        map[string]any    `json:"body,omitempty"`
	CaptureOpts CaptureOpts       `json:"capture,omitempty"`
}

func (c *APIConfig) StepType() StepType   { return StepAPI }
func (c *APIConfig) Capture() CaptureOpts { return c.CaptureOpts }

func (c *APIConfig) Validate() error {
	if c.Method == "" || c.URL == "" {
		return &ConfigError{Reason: "api step requires method and url"}
	}
	return nil
}

// ParseStepConfig decodes the raw config payload for the given step type and
// validates it. Unknown types and payloads that fail validation return a
// *ConfigError.
func ParseStepConfig(t StepType, raw []byte) (StepConfig, error) {
	var cfg StepConfig
	switch t {
	case StepAgent:
		cfg = &AgentConfig{}
	case StepData:
		cfg = &DataConfig{}
	case StepBranch:
		cfg = &BranchConfig{}
	case StepAPI:
		cfg = &APIConfig{}
	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown step type %q", t)}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("decode %s config: %v", t, err)}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeStepConfig marshals a step config back to its JSON payload.
func EncodeStepConfig(cfg StepConfig) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", cfg.StepType(), err)
	}
	return data, nil
}
