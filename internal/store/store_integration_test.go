package store

import (
	"context"
	"os"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/engine"
	"github.com/nidhogg/overseer/internal/memory"
	"github.com/nidhogg/overseer/internal/persona"
	"github.com/nidhogg/overseer/internal/playbook"
)

// startTestStore boots a PostgreSQL testcontainer, runs migrations and
// returns a ready store. Guarded by OVERSEER_INTEGRATION so unit runs stay
// docker-free.
func startTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("OVERSEER_INTEGRATION") == "" {
		t.Skip("set OVERSEER_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("overseer_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	s, err := New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestStorePlaybookLifecycle(t *testing.T) {
	s := startTestStore(t)
	ctx := context.Background()

	pb := &playbook.Playbook{
		OrgID:   "org-1",
		Name:    "triage",
		Version: 1,
		Status:  playbook.StatusActive,
		Steps: []*playbook.Step{
			{Key: "enrich", Type: playbook.StepData, Position: 1, NextStepKey: "draft",
				Config: &playbook.DataConfig{Operation: playbook.OpMerge, Static: map[string]any{"env": "test"}}},
			{Key: "draft", Type: playbook.StepAgent, Position: 2,
				Config: &playbook.AgentConfig{Prompt: "reply to {{subject}}"}},
		},
	}
	if err := s.CreatePlaybook(ctx, pb); err != nil {
		t.Fatalf("create playbook: %v", err)
	}

	loaded, err := s.GetDefinition(ctx, "org-1", pb.ID)
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if len(loaded.Steps) != 2 || loaded.Steps[0].Key != "enrich" {
		t.Fatalf("loaded steps = %+v", loaded.Steps)
	}
	if _, ok := loaded.Steps[1].Config.(*playbook.AgentConfig); !ok {
		t.Errorf("step config decoded as %T", loaded.Steps[1].Config)
	}

	if _, err := s.GetDefinition(ctx, "other-org", pb.ID); err == nil {
		t.Error("cross-org lookup must fail")
	}

	list, err := s.ListPlaybooks(ctx, "org-1")
	if err != nil || len(list) != 1 {
		t.Errorf("list playbooks = %v, err %v", list, err)
	}
}

func TestStoreRunLifecycle(t *testing.T) {
	s := startTestStore(t)
	ctx := context.Background()

	pb := &playbook.Playbook{
		OrgID: "org-1", Name: "p", Version: 1, Status: playbook.StatusActive,
		Steps: []*playbook.Step{
			{Key: "only", Type: playbook.StepData, Position: 1,
				Config: &playbook.DataConfig{Operation: playbook.OpMerge}},
		},
	}
	if err := s.CreatePlaybook(ctx, pb); err != nil {
		t.Fatalf("create playbook: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	run := &engine.Run{
		ID: "11111111-1111-1111-1111-111111111111", OrgID: "org-1", PlaybookID: pb.ID,
		Status: engine.RunPending, Input: map[string]any{"a": 1.0},
		Actor: "tester", CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	run.Status = engine.RunSucceeded
	run.Output = map[string]map[string]any{"only": {"a": 1.0}}
	done := now.Add(time.Second)
	run.StartedAt = &now
	run.CompletedAt = &done
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := s.GetRun(ctx, "org-1", run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != engine.RunSucceeded || got.Output["only"]["a"] != 1.0 {
		t.Errorf("run = %+v", got)
	}

	if _, err := s.GetRun(ctx, "org-1", "22222222-2222-2222-2222-222222222222"); err == nil {
		t.Error("expected error for unknown run")
	}

	for i, key := range []string{"first", "second"} {
		sr := &engine.StepRun{
			ID:    "33333333-3333-3333-3333-33333333333" + string(rune('0'+i)),
			RunID: run.ID, StepID: pb.Steps[0].ID, StepKey: key,
			Status: engine.StepSucceeded, Escalation: engine.EscalationNone,
			CreatedAt: now,
		}
		if err := s.CreateStepRun(ctx, sr); err != nil {
			t.Fatalf("create step run: %v", err)
		}
	}
	steps, err := s.ListStepRuns(ctx, run.ID)
	if err != nil {
		t.Fatalf("list step runs: %v", err)
	}
	if len(steps) != 2 || steps[0].StepKey != "first" || steps[1].StepKey != "second" {
		t.Errorf("step runs out of order: %+v", steps)
	}
}

func TestStoreTracesAndPersonas(t *testing.T) {
	s := startTestStore(t)
	ctx := context.Background()

	trace := &memory.Trace{
		ID:    "44444444-4444-4444-4444-444444444444",
		OrgID: "org-1", RunID: "55555555-5555-5555-5555-555555555555",
		StepKey:   "draft",
		Payload:   map[string]any{"output": map[string]any{"completion": "hi"}},
		Embedding: []float32{0.1, 0.2, 0.3},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveEpisodicTrace(ctx, trace); err != nil {
		t.Fatalf("save trace: %v", err)
	}
	traces, err := s.ListEpisodicTraces(ctx, trace.RunID)
	if err != nil || len(traces) != 1 {
		t.Fatalf("list traces = %v, err %v", traces, err)
	}
	if len(traces[0].Embedding) != 3 {
		t.Errorf("embedding = %v", traces[0].Embedding)
	}

	p := &persona.Personality{
		OrgID: "org-1", AgentID: "writer", Name: "Quill",
		Role: "support writer", Tone: "warm",
	}
	if err := s.SavePersona(ctx, p); err != nil {
		t.Fatalf("save persona: %v", err)
	}
	p.Tone = "formal"
	if err := s.SavePersona(ctx, p); err != nil {
		t.Fatalf("upsert persona: %v", err)
	}

	got, err := s.GetPersonalityForAgent(ctx, "org-1", "writer")
	if err != nil {
		t.Fatalf("get persona: %v", err)
	}
	if got == nil || got.Tone != "formal" {
		t.Errorf("persona = %+v", got)
	}

	none, err := s.GetPersonalityForAgent(ctx, "org-1", "nobody")
	if err != nil || none != nil {
		t.Errorf("missing persona = %+v, err %v", none, err)
	}
}
