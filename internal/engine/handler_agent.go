package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/overseer/internal/persona"
	"github.com/nidhogg/overseer/internal/playbook"
	"github.com/nidhogg/overseer/internal/provider"
	"go.uber.org/zap"
)

// execAgent runs an AGENT step: resolve the persona, build the prompt pair,
// call the generator. The generator is composed with a stub fallback at
// wiring time, so provider unavailability degrades the completion instead of
// failing the step.
func (e *Engine) execAgent(ctx context.Context, step *playbook.Step, cfg *playbook.AgentConfig, st *execState) (map[string]any, error) {
	var p *persona.Personality
	if e.personas != nil && cfg.AgentID != "" {
		var err error
		p, err = e.personas.GetPersonalityForAgent(ctx, st.run.OrgID, cfg.AgentID)
		if err != nil {
			e.logger.Warn("personality lookup failed",
				zap.String("agent", cfg.AgentID), zap.Error(err))
			p = nil
		}
	}

	systemPrompt := persona.Render(p)
	if cfg.Instructions != "" {
		systemPrompt += "\n\n" + cfg.Instructions
	}
	userPrompt := buildUserPrompt(cfg.Prompt, st.run.Input)

	model := cfg.Model
	if st.opts.Model != "" {
		model = st.opts.Model
	}

	resp, err := e.generator.Generate(ctx, &provider.GenerateRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Model:        model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	metadata := map[string]any{
		"stubbed": resp.Stubbed,
	}
	if cfg.AgentID != "" {
		metadata["agentId"] = cfg.AgentID
	}
	if p != nil {
		metadata["persona"] = p.Name
	}

	return map[string]any{
		"completion": resp.Completion,
		"model":      resp.Model,
		"provider":   resp.Provider,
		"usage": map[string]any{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		},
		"metadata": metadata,
	}, nil
}

// buildUserPrompt substitutes {{field}} references with run-input values and
// appends the input as JSON context when the template references none.
func buildUserPrompt(template string, input map[string]any) string {
	prompt := template
	substituted := false
	for k, v := range input {
		ref := "{{" + k + "}}"
		if strings.Contains(prompt, ref) {
			prompt = strings.ReplaceAll(prompt, ref, fmt.Sprintf("%v", v))
			substituted = true
		}
	}
	if !substituted && len(input) > 0 {
		if data, err := json.Marshal(input); err == nil {
			prompt += "\n\nInput:\n" + string(data)
		}
	}
	return prompt
}
