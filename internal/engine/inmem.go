package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/playbook"
)

// InMemoryStore implements the engine repositories over process memory. It
// backs tests and persistence-free operation when no database is
// configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	playbooks map[string]*playbook.Playbook // orgID/playbookID
	runs      map[string]*Run               // runID
	stepRuns  map[string][]*StepRun         // runID, in dispatch order
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		playbooks: make(map[string]*playbook.Playbook),
		runs:      make(map[string]*Run),
		stepRuns:  make(map[string][]*StepRun),
	}
}

// CreatePlaybook registers a playbook definition, assigning ids where
// missing.
func (s *InMemoryStore) CreatePlaybook(_ context.Context, pb *playbook.Playbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pb.ID == "" {
		pb.ID = uuid.New().String()
	}
	for _, step := range pb.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
	}
	s.playbooks[pb.OrgID+"/"+pb.ID] = pb
	return nil
}

// GetDefinition returns the playbook or ErrDefinitionNotFound.
func (s *InMemoryStore) GetDefinition(_ context.Context, orgID, playbookID string) (*playbook.Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pb, ok := s.playbooks[orgID+"/"+playbookID]
	if !ok {
		return nil, fmt.Errorf("playbook %s/%s: %w", orgID, playbookID, ErrDefinitionNotFound)
	}
	return pb, nil
}

// ListPlaybooks returns all playbooks for an org.
func (s *InMemoryStore) ListPlaybooks(_ context.Context, orgID string) ([]*playbook.Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*playbook.Playbook
	for _, pb := range s.playbooks {
		if pb.OrgID == orgID {
			out = append(out, pb)
		}
	}
	return out, nil
}

// CreateRun stores a new run.
func (s *InMemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// GetRun returns a run owned by the org or ErrRunNotFound.
func (s *InMemoryStore) GetRun(_ context.Context, orgID, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok || run.OrgID != orgID {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	cp := *run
	return &cp, nil
}

// UpdateRun replaces the stored run.
func (s *InMemoryStore) UpdateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunNotFound)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// ListRuns returns an org's runs, newest first.
func (s *InMemoryStore) ListRuns(_ context.Context, orgID string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*Run
	for _, run := range s.runs {
		if run.OrgID == orgID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateStepRun appends a step run in dispatch order.
func (s *InMemoryStore) CreateStepRun(_ context.Context, sr *StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sr
	s.stepRuns[sr.RunID] = append(s.stepRuns[sr.RunID], &cp)
	return nil
}

// UpdateStepRun replaces the stored step run by id.
func (s *InMemoryStore) UpdateStepRun(_ context.Context, sr *StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.stepRuns[sr.RunID] {
		if existing.ID == sr.ID {
			cp := *sr
			s.stepRuns[sr.RunID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("step run %s not found", sr.ID)
}

// ListStepRuns returns a run's step runs in dispatch order.
func (s *InMemoryStore) ListStepRuns(_ context.Context, runID string) ([]*StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.stepRuns[runID]
	out := make([]*StepRun, len(src))
	for i, sr := range src {
		cp := *sr
		out[i] = &cp
	}
	return out, nil
}
