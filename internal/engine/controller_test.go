package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nidhogg/overseer/internal/playbook"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, store *InMemoryStore, mut func(*Deps)) *Engine {
	t.Helper()
	deps := Deps{
		Playbooks: store,
		Runs:      store,
		StepRuns:  store,
		Logger:    zap.NewNop(),
	}
	if mut != nil {
		mut(&deps)
	}
	return New(deps)
}

func seedPlaybook(t *testing.T, store *InMemoryStore, steps ...*playbook.Step) *playbook.Playbook {
	t.Helper()
	pb := &playbook.Playbook{
		OrgID:   "org-1",
		Name:    "test playbook",
		Version: 1,
		Status:  playbook.StatusActive,
		Steps:   steps,
	}
	if err := store.CreatePlaybook(context.Background(), pb); err != nil {
		t.Fatalf("seed playbook: %v", err)
	}
	return pb
}

func mergeStep(key string, pos int, next string, static map[string]any) *playbook.Step {
	return &playbook.Step{
		Key:      key,
		Type:     playbook.StepData,
		Position: pos, NextStepKey: next,
		Config: &playbook.DataConfig{Operation: playbook.OpMerge, Static: static},
	}
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) PublishRunEvent(_ context.Context, ev RunEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
	return nil
}

func TestStartRunForwardChain(t *testing.T) {
	store := NewInMemoryStore()
	events := &eventLog{}
	eng := newTestEngine(t, store, func(d *Deps) { d.Events = events })

	pb := seedPlaybook(t, store,
		mergeStep("first", 1, "second", map[string]any{"one": true}),
		mergeStep("second", 2, "third", map[string]any{"two": true}),
		mergeStep("third", 3, "", map[string]any{"three": true}),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID,
		map[string]any{"seed": "x"}, "tester", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED (error: %+v)", result.Run.Status, result.Run.Error)
	}
	if result.Run.StartedAt == nil || result.Run.CompletedAt == nil {
		t.Error("run timestamps not set")
	}
	if len(result.StepRuns) != 3 {
		t.Fatalf("step runs = %d, want 3", len(result.StepRuns))
	}
	for i, key := range []string{"first", "second", "third"} {
		sr := result.StepRuns[i]
		if sr.StepKey != key || sr.Status != StepSucceeded {
			t.Errorf("step run %d = %s/%s, want %s/SUCCEEDED", i, sr.StepKey, sr.Status, key)
		}
	}
	if result.Run.Output["third"]["three"] != true || result.Run.Output["third"]["seed"] != "x" {
		t.Errorf("final output = %v", result.Run.Output["third"])
	}

	persisted, err := store.ListStepRuns(context.Background(), result.Run.ID)
	if err != nil {
		t.Fatalf("list step runs: %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted step runs = %d, want 3", len(persisted))
	}

	wantEvents := []string{
		"run.started",
		"step.succeeded", "step.succeeded", "step.succeeded",
		"run.succeeded",
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.types) != len(wantEvents) {
		t.Fatalf("events = %v", events.types)
	}
	for i, want := range wantEvents {
		if events.types[i] != want {
			t.Errorf("event %d = %s, want %s", i, events.types[i], want)
		}
	}
}

func TestStartRunNilInput(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("first", 1, "second", map[string]any{"one": true}),
		mergeStep("second", 2, "", map[string]any{"two": true}),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED (error: %+v)", result.Run.Status, result.Run.Error)
	}
	if result.Run.Output["first"]["one"] != true || result.Run.Output["second"]["two"] != true {
		t.Errorf("output = %v", result.Run.Output)
	}
}

func TestStartRunAgentStubbed(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store, &playbook.Step{
		Key: "draft", Type: playbook.StepAgent, Position: 1,
		Config: &playbook.AgentConfig{Prompt: "write about {{topic}}"},
	})

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID,
		map[string]any{"topic": "resilience"}, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s (error: %+v)", result.Run.Status, result.Run.Error)
	}

	out := result.Run.Output["draft"]
	meta, _ := out["metadata"].(map[string]any)
	if meta == nil || meta["stubbed"] != true {
		t.Errorf("metadata = %v, want stubbed true", out["metadata"])
	}
	if out["provider"] != "stub" {
		t.Errorf("provider = %v, want stub", out["provider"])
	}
}

func TestStartRunBranchRouting(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("classify", 1, "route", map[string]any{"category": "b"}),
		&playbook.Step{
			Key: "route", Type: playbook.StepBranch, Position: 2,
			Config: &playbook.BranchConfig{
				Source: "classify",
				Field:  "category",
				Conditions: []playbook.BranchCondition{
					{Operator: playbook.CondEquals, Value: "a", NextStepKey: "stepX"},
					{Operator: playbook.CondEquals, Value: "b", NextStepKey: "stepY"},
				},
				DefaultStepKey: "stepZ",
			},
		},
		mergeStep("stepX", 3, "", map[string]any{"took": "x"}),
		mergeStep("stepY", 4, "", map[string]any{"took": "y"}),
		mergeStep("stepZ", 5, "", map[string]any{"took": "z"}),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s (error: %+v)", result.Run.Status, result.Run.Error)
	}
	if len(result.StepRuns) != 3 {
		t.Fatalf("step runs = %d, want 3 (classify, route, stepY)", len(result.StepRuns))
	}
	if result.StepRuns[2].StepKey != "stepY" {
		t.Errorf("routed to %s, want stepY", result.StepRuns[2].StepKey)
	}
	if _, ran := result.Run.Output["stepX"]; ran {
		t.Error("unchosen branch target executed")
	}
}

func TestStartRunUnmatchedBranchFails(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("classify", 1, "route", map[string]any{"category": "zzz"}),
		&playbook.Step{
			Key: "route", Type: playbook.StepBranch, Position: 2,
			Config: &playbook.BranchConfig{
				Source: "classify",
				Field:  "category",
				Conditions: []playbook.BranchCondition{
					{Operator: playbook.CondEquals, Value: "a", NextStepKey: "classify"},
				},
			},
		},
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunFailed {
		t.Fatalf("run status = %s, want FAILED", result.Run.Status)
	}
	if result.Run.Error == nil || result.Run.Error.Kind != KindUnmatchedBranch {
		t.Errorf("run error = %+v, want UnmatchedBranch", result.Run.Error)
	}
	if result.Run.Output != nil {
		t.Error("failed run carries output")
	}
	if last := result.StepRuns[len(result.StepRuns)-1]; last.Status != StepFailed || last.Error == "" {
		t.Errorf("failing step run = %+v", last)
	}
}

func TestStartRunHumanEscalationFails(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("review", 1, "after", map[string]any{"escalation": "human"}),
		mergeStep("after", 2, "", nil),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunFailed {
		t.Fatalf("run status = %s, want FAILED", result.Run.Status)
	}
	if result.Run.Error.Kind != KindHumanEscalationRequired {
		t.Errorf("error kind = %s, want HumanEscalationRequired", result.Run.Error.Kind)
	}
	// The escalating step itself succeeded; the abort happens at routing.
	if result.StepRuns[0].Status != StepSucceeded {
		t.Errorf("escalating step status = %s, want SUCCEEDED", result.StepRuns[0].Status)
	}
	if len(result.StepRuns) != 1 {
		t.Errorf("step runs = %d, want 1 (after must not run)", len(result.StepRuns))
	}
}

func TestStartRunPeerEscalationContinues(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("flag", 1, "after", map[string]any{"escalation": "peer"}),
		mergeStep("after", 2, "", nil),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s (error: %+v)", result.Run.Status, result.Run.Error)
	}
	// The second step's record snapshots the raised level.
	if result.StepRuns[1].Escalation != EscalationPeer {
		t.Errorf("second step escalation = %s, want peer", result.StepRuns[1].Escalation)
	}
}

func TestStartRunSharedStateFlowsForward(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("first", 1, "second", map[string]any{
			"sharedState": map[string]any{"ticket": "T-42"},
		}),
		mergeStep("second", 2, "", nil),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s (error: %+v)", result.Run.Status, result.Run.Error)
	}
	if result.StepRuns[1].Collaboration.SharedState["ticket"] != "T-42" {
		t.Errorf("second step collaboration = %+v", result.StepRuns[1].Collaboration)
	}
}

func TestStartRunCycleDetected(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("a", 1, "b", nil),
		mergeStep("b", 2, "a", nil),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunFailed {
		t.Fatalf("run status = %s, want FAILED", result.Run.Status)
	}
	if result.Run.Error.Kind != KindStepExecutionFailure {
		t.Errorf("error kind = %s", result.Run.Error.Kind)
	}
	if len(result.StepRuns) != 2 {
		t.Errorf("step runs = %d, want 2 (a and b exactly once)", len(result.StepRuns))
	}
}

func TestStartRunMaxStepsExceeded(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("s1", 1, "s2", nil),
		mergeStep("s2", 2, "s3", nil),
		mergeStep("s3", 3, "", nil),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{MaxSteps: 2})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunFailed {
		t.Fatalf("run status = %s, want FAILED", result.Run.Status)
	}
	if len(result.StepRuns) != 2 {
		t.Errorf("step runs = %d, want 2", len(result.StepRuns))
	}
}

func TestStartRunDanglingNextKey(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store, mergeStep("only", 1, "ghost", nil))

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunFailed {
		t.Fatalf("run status = %s, want FAILED", result.Run.Status)
	}
	if result.Run.Error.Kind != KindStepExecutionFailure {
		t.Errorf("error kind = %s", result.Run.Error.Kind)
	}
}

func TestStartRunDefinitionNotFound(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	_, err := eng.StartRun(context.Background(), "org-1", "no-such-playbook", nil, "", StartOptions{})
	if err == nil {
		t.Fatal("expected error for missing playbook")
	}
	if KindOf(err) != KindDefinitionNotFound {
		t.Errorf("KindOf = %s, want DefinitionNotFound", KindOf(err))
	}
	// No run row may exist for a failed lookup.
	runs, _ := store.ListRuns(context.Background(), "org-1", 0)
	if len(runs) != 0 {
		t.Errorf("runs created = %d, want 0", len(runs))
	}
}

func TestRunPlaybookRedrive(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store, mergeStep("only", 1, "", map[string]any{"done": true}))

	first, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// Simulate a crash that left the run stuck in RUNNING.
	first.Run.Status = RunRunning
	first.Run.CompletedAt = nil
	if err := store.UpdateRun(context.Background(), first.Run); err != nil {
		t.Fatalf("reset run: %v", err)
	}

	again, err := eng.RunPlaybook(context.Background(), "org-1", first.Run.ID)
	if err != nil {
		t.Fatalf("RunPlaybook: %v", err)
	}
	if again.Run.ID != first.Run.ID {
		t.Errorf("redrive changed run id: %s vs %s", again.Run.ID, first.Run.ID)
	}
	if again.Run.Status != RunSucceeded {
		t.Errorf("redriven run status = %s", again.Run.Status)
	}
}

func TestRunPlaybookRejectsTerminalRun(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store, mergeStep("only", 1, "", map[string]any{"done": true}))

	first, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if first.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s", first.Run.Status)
	}

	for _, status := range []RunStatus{RunSucceeded, RunCancelled} {
		first.Run.Status = status
		if err := store.UpdateRun(context.Background(), first.Run); err != nil {
			t.Fatalf("update run: %v", err)
		}
		if _, err := eng.RunPlaybook(context.Background(), "org-1", first.Run.ID); !errors.Is(err, ErrRunTerminal) {
			t.Errorf("redrive of %s run: err = %v, want ErrRunTerminal", status, err)
		}
	}

	// The terminal run must keep exactly one step run per step.
	stepRuns, err := store.ListStepRuns(context.Background(), first.Run.ID)
	if err != nil {
		t.Fatalf("list step runs: %v", err)
	}
	if len(stepRuns) != 1 {
		t.Errorf("step runs = %d, want 1 (no re-dispatch)", len(stepRuns))
	}
}

func TestStepRunInputSnapshotsSource(t *testing.T) {
	store := NewInMemoryStore()
	sink := &recordSink{}
	eng := newTestEngine(t, store, func(d *Deps) { d.Memory = sink })

	pb := seedPlaybook(t, store,
		mergeStep("first", 1, "second", map[string]any{"stage": "one"}),
		&playbook.Step{
			Key: "second", Type: playbook.StepData, Position: 2,
			Config: &playbook.DataConfig{Operation: playbook.OpMerge, Source: "first"},
		},
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID,
		map[string]any{"seed": "x"}, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s (error: %+v)", result.Run.Status, result.Run.Error)
	}

	// The first step reads the run input; the second reads first's output.
	if result.StepRuns[0].Input["seed"] != "x" {
		t.Errorf("first step input = %v", result.StepRuns[0].Input)
	}
	if result.StepRuns[1].Input["stage"] != "one" {
		t.Errorf("second step input = %v, want first's output", result.StepRuns[1].Input)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.recs[1].Input["stage"] != "one" {
		t.Errorf("trace input = %v, want first's output", sink.recs[1].Input)
	}
}

func TestRunPlaybookUnknownRun(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	_, err := eng.RunPlaybook(context.Background(), "org-1", "no-such-run")
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store,
		mergeStep("first", 1, "second", map[string]any{
			"sharedState": map[string]any{"who": "run"},
		}),
		mergeStep("second", 2, "", nil),
	)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*RunWithSteps, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if results[i].Run.Status != RunSucceeded {
			t.Errorf("run %d status = %s", i, results[i].Run.Status)
		}
		if seen[results[i].Run.ID] {
			t.Errorf("duplicate run id %s", results[i].Run.ID)
		}
		seen[results[i].Run.ID] = true
		if len(results[i].StepRuns) != 2 {
			t.Errorf("run %d step runs = %d, want 2", i, len(results[i].StepRuns))
		}
	}
}

func TestStartRunAPIStepStubbed(t *testing.T) {
	store := NewInMemoryStore()
	eng := newTestEngine(t, store, nil)

	pb := seedPlaybook(t, store, &playbook.Step{
		Key: "notify", Type: playbook.StepAPI, Position: 1,
		Config: &playbook.APIConfig{Method: "POST", URL: "https://example.com/hook"},
	})

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s (error: %+v)", result.Run.Status, result.Run.Error)
	}
	out := result.Run.Output["notify"]
	if out["stubbed"] != true {
		t.Errorf("stubbed = %v, want true", out["stubbed"])
	}
	if out["status"] != 200 {
		t.Errorf("status = %v, want 200", out["status"])
	}
}

type recordSink struct {
	mu   sync.Mutex
	recs []StepRecord
}

func (s *recordSink) RecordStep(_ context.Context, rec StepRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func TestStartRunFeedsMemorySink(t *testing.T) {
	store := NewInMemoryStore()
	sink := &recordSink{}
	eng := newTestEngine(t, store, func(d *Deps) { d.Memory = sink })

	pb := seedPlaybook(t, store,
		mergeStep("first", 1, "second", map[string]any{"a": 1}),
		mergeStep("second", 2, "", nil),
	)

	result, err := eng.StartRun(context.Background(), "org-1", pb.ID, nil, "", StartOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if result.Run.Status != RunSucceeded {
		t.Fatalf("run status = %s", result.Run.Status)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 2 {
		t.Fatalf("memory records = %d, want 2", len(sink.recs))
	}
	if sink.recs[0].StepKey != "first" || sink.recs[0].RunID != result.Run.ID {
		t.Errorf("record = %+v", sink.recs[0])
	}
}
