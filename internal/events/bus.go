package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/engine"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is a run lifecycle notification on the event stream. External
// collaborators (notification delivery, analytics) consume these instead of
// polling the run tables.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	OrgID     string    `json:"org_id"`
	RunID     string    `json:"run_id"`
	StepKey   string    `json:"step_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const runStream = "overseer:runs"

// Bus publishes run events to a Redis stream and lets consumers tail it.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus connects to Redis and verifies the connection.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Publish appends an event to the run stream.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: runStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", runStream, err)
	}
	b.logger.Debug("published run event",
		zap.String("type", ev.Type),
		zap.String("run", ev.RunID))
	return nil
}

// PublishRunEvent adapts the engine's event shape onto the stream, making
// Bus an engine.EventSink.
func (b *Bus) PublishRunEvent(ctx context.Context, ev engine.RunEvent) error {
	return b.Publish(ctx, &Event{
		Type:      ev.Type,
		OrgID:     ev.OrgID,
		RunID:     ev.RunID,
		StepKey:   ev.StepKey,
		Timestamp: ev.At,
	})
}

// Subscribe tails the run stream from now on. Cancel the context to stop.
func (b *Bus) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{runStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
