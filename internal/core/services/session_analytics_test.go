package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memorySink struct {
	mu     sync.Mutex
	events []domain.SessionEvent
	err    error
}

func (s *memorySink) Publish(_ context.Context, events []domain.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) received() []domain.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionEvent(nil), s.events...)
}

func TestSessionAnalytics_DeliversInOrder(t *testing.T) {
	sink := &memorySink{}
	a := NewSessionAnalytics(sink, AnalyticsConfig{BatchSize: 100, FlushInterval: time.Hour}, zaptest.NewLogger(t).Sugar())
	defer a.Close(context.Background())

	a.TrackEvent("s1", domain.EventSessionStarted, nil)
	a.TrackEvent("s1", domain.EventParticipantJoined, map[string]any{"peer_id": "p1"})
	a.Flush(context.Background())

	events := sink.received()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSessionStarted, events[0].Type)
	assert.Equal(t, domain.EventParticipantJoined, events[1].Type)
	assert.Equal(t, "p1", events[1].Metadata["peer_id"])
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSessionAnalytics_SinkFailureIsSwallowed(t *testing.T) {
	sink := &memorySink{err: errors.New("collector down")}
	a := NewSessionAnalytics(sink, AnalyticsConfig{BatchSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t).Sugar())

	assert.NotPanics(t, func() {
		a.TrackEvent("s1", domain.EventError, nil)
		a.Flush(context.Background())
		a.Close(context.Background())
	})
	// tracking after close is dropped quietly
	a.TrackEvent("s1", domain.EventSessionEnded, nil)
}

func TestSessionAnalytics_CloseDrains(t *testing.T) {
	sink := &memorySink{}
	a := NewSessionAnalytics(sink, DefaultAnalyticsConfig(), zaptest.NewLogger(t).Sugar())

	a.TrackEvent("s1", domain.EventQualityChanged, map[string]any{"tier": "low"})
	a.Close(context.Background())

	assert.Len(t, sink.received(), 1)
}

func TestSessionAnalytics_NilTrackerIsSafe(t *testing.T) {
	var a *SessionAnalytics
	assert.NotPanics(t, func() { a.TrackEvent("s1", domain.EventSessionStarted, nil) })
}

func TestMultiSink(t *testing.T) {
	ok := &memorySink{}
	broken := &memorySink{err: errors.New("boom")}

	err := MultiSink{broken, ok}.Publish(context.Background(), []domain.SessionEvent{{ID: "e1"}})

	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.received(), 1)
}
