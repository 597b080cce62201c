package persona

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Personality defines an agent's identity: tone, style and constraints that
// shape the system prompt of AGENT steps.
type Personality struct {
	ID           string   `json:"id"`
	OrgID        string   `json:"org_id"`
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Tone         string   `json:"tone,omitempty"`
	Style        string   `json:"style,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// Provider resolves the personality bound to an agent. A (nil, nil) return
// means no personality is configured, which is not an error.
type Provider interface {
	GetPersonalityForAgent(ctx context.Context, orgID, agentID string) (*Personality, error)
}

// Render builds the system prompt text for a personality, falling back to a
// composed description when no explicit prompt is set.
func Render(p *Personality) string {
	if p == nil {
		return "You are a helpful assistant executing one step of an automated playbook."
	}
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, ", a %s", p.Role)
	}
	b.WriteString(".")
	if p.Tone != "" {
		fmt.Fprintf(&b, " Tone: %s.", p.Tone)
	}
	if p.Style != "" {
		fmt.Fprintf(&b, " Style: %s.", p.Style)
	}
	for _, c := range p.Constraints {
		fmt.Fprintf(&b, " Constraint: %s.", c)
	}
	return b.String()
}

// StaticProvider serves personalities from memory. Used in tests and when no
// database is configured.
type StaticProvider struct {
	mu       sync.RWMutex
	personas map[string]*Personality // orgID/agentID
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{personas: make(map[string]*Personality)}
}

// Register adds a personality.
func (s *StaticProvider) Register(p *Personality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.OrgID+"/"+p.AgentID] = p
}

// GetPersonalityForAgent returns the registered personality or nil.
func (s *StaticProvider) GetPersonalityForAgent(ctx context.Context, orgID, agentID string) (*Personality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.personas[orgID+"/"+agentID], nil
}
