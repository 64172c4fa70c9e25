package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrAlreadySubscribed = errors.New("already subscribed")

// Envelope is what goes over the wire: one analytics event and the agent
// instance that produced it.
type Envelope struct {
	InstanceID  string              `json:"instance_id"`
	PublishedAt time.Time           `json:"published_at"`
	Event       domain.SessionEvent `json:"event"`
}

// EventBus fans session events out over Redis pub/sub so that other agents
// and dashboards can follow a session live.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time

	pubsub *redis.PubSub
}

var _ ports.EventSink = (*EventBus)(nil)

func NewEventBus(
	client *redis.Client,
	instanceID string,
	channel string,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = "carelink:analytics"
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish sends a batch in one pipeline round trip.
func (eb *EventBus) Publish(ctx context.Context, events []domain.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := eb.client.Pipeline()
	publishedAt := eb.now().UTC()
	for _, event := range events {
		data, err := json.Marshal(Envelope{InstanceID: eb.instanceID, PublishedAt: publishedAt, Event: event})
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
		}
		pipe.Publish(ctx, eb.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}

	eb.logger.Debugw("published events",
		"channel", eb.channel,
		"count", len(events),
	)
	return nil
}

// Subscribe calls handler for every event published by other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Envelope) error) error {
	if eb.pubsub != nil {
		return ErrAlreadySubscribed
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	// wait for the subscription so nothing published after return is lost
	if _, err := eb.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}
	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if env.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(env); err != nil {
				eb.logger.Warnw("error handling event",
					"type", env.Event.Type,
					"session_id", env.Event.SessionID,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
