package events

import (
	"context"
	"os"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/engine"
)

func startTestBus(t *testing.T) *Bus {
	t.Helper()
	if os.Getenv("OVERSEER_INTEGRATION") == "" {
		t.Skip("set OVERSEER_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	bus, err := NewBus("redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := startTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := bus.Subscribe(ctx)
	// Let the subscriber reach its blocking read before publishing.
	time.Sleep(200 * time.Millisecond)

	want := engine.RunEvent{
		Type:    "run.started",
		OrgID:   "org-1",
		RunID:   "run-1",
		StepKey: "",
		At:      time.Now(),
	}
	if err := bus.PublishRunEvent(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != "run.started" || ev.RunID != "run-1" || ev.OrgID != "org-1" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestBusPublishesStepEvents(t *testing.T) {
	bus := startTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := bus.Subscribe(ctx)
	time.Sleep(200 * time.Millisecond)

	types := []string{"step.succeeded", "step.failed", "run.succeeded"}
	for _, typ := range types {
		if err := bus.PublishRunEvent(ctx, engine.RunEvent{
			Type: typ, OrgID: "org-1", RunID: "run-2", StepKey: "draft", At: time.Now(),
		}); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	for _, want := range types {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("event type = %s, want %s", ev.Type, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
