package distributed

import (
	"context"
	"testing"
	"time"

	"carelink/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventBus_PublishReachesOtherInstances(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := zaptest.NewLogger(t).Sugar()

	publisher := NewEventBus(client, "agent-a", "", logger)
	listener := NewEventBus(client, "agent-b", "", logger)
	echo := NewEventBus(client, "agent-a", "", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 4)
	echoed := make(chan Envelope, 4)
	subscribed := func(bus *EventBus, out chan Envelope) {
		go func() {
			_ = bus.Subscribe(ctx, func(env Envelope) error {
				out <- env
				return nil
			})
		}()
	}
	subscribed(listener, received)
	subscribed(echo, echoed)

	require.Eventually(t, func() bool {
		return srv.PubSubNumSub("carelink:analytics")["carelink:analytics"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	events := []domain.SessionEvent{
		{ID: "e1", SessionID: "s1", Type: domain.EventParticipantJoined},
		{ID: "e2", SessionID: "s1", Type: domain.EventQualityChanged, Metadata: map[string]any{"tier": "low"}},
	}
	require.NoError(t, publisher.Publish(ctx, events))

	for _, want := range events {
		select {
		case env := <-received:
			assert.Equal(t, "agent-a", env.InstanceID)
			assert.Equal(t, want.ID, env.Event.ID)
			assert.Equal(t, want.Type, env.Event.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not delivered", want.ID)
		}
	}
	select {
	case env := <-echoed:
		t.Fatalf("instance received its own event %s", env.Event.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBus_PublishEmptyBatch(t *testing.T) {
	bus := NewEventBus(nil, "agent", "", zaptest.NewLogger(t).Sugar())
	assert.NoError(t, bus.Publish(context.Background(), nil))
}

func TestEventBus_PublishFailure(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	bus := NewEventBus(client, "agent", "", zaptest.NewLogger(t).Sugar())
	err := bus.Publish(context.Background(), []domain.SessionEvent{{ID: "e1", Type: domain.EventError}})
	assert.Error(t, err)
}
