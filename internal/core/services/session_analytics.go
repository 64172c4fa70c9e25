package services

import (
	"context"
	"errors"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/batch"
	"carelink/pkg/utils"

	"go.uber.org/zap"
)

// EventTracker is the fire-and-forget analytics contract used by the
// session services.
type EventTracker interface {
	TrackEvent(sessionID domain.SessionID, eventType domain.EventType, metadata map[string]any)
}

type AnalyticsConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{BatchSize: 50, FlushInterval: 2 * time.Second}
}

// SessionAnalytics forwards session events to a sink in batches. Delivery
// failures are logged and never reach the caller.
type SessionAnalytics struct {
	batcher *batch.Batcher[domain.SessionEvent]
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func NewSessionAnalytics(sink ports.EventSink, cfg AnalyticsConfig, logger *zap.SugaredLogger) *SessionAnalytics {
	a := &SessionAnalytics{
		logger: logger,
		now:    time.Now,
	}
	a.batcher = batch.New[domain.SessionEvent](cfg.BatchSize, cfg.FlushInterval,
		func(ctx context.Context, events []domain.SessionEvent) error {
			return sink.Publish(ctx, events)
		},
		batch.WithErrorHandler[domain.SessionEvent](func(err error, events []domain.SessionEvent) {
			a.logger.Warnw("dropping analytics batch", "events", len(events), "error", err)
		}),
	)
	return a
}

func (a *SessionAnalytics) TrackEvent(sessionID domain.SessionID, eventType domain.EventType, metadata map[string]any) {
	if a == nil {
		return
	}
	event := domain.SessionEvent{
		ID:        utils.NewEventID(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: a.now().UTC(),
		Metadata:  metadata,
	}
	if err := a.batcher.Add(event); err != nil {
		a.logger.Debugw("analytics event dropped",
			"session_id", sessionID,
			"event_type", eventType,
			"error", err,
		)
	}
}

// Flush delivers queued events now.
func (a *SessionAnalytics) Flush(ctx context.Context) {
	if err := a.batcher.Flush(ctx); err != nil {
		a.logger.Warnw("analytics flush failed", "error", err)
	}
}

// Close delivers queued events and stops the background worker.
func (a *SessionAnalytics) Close(ctx context.Context) {
	if err := a.batcher.Close(ctx); err != nil {
		a.logger.Warnw("analytics shutdown incomplete", "error", err)
	}
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []ports.EventSink

func (m MultiSink) Publish(ctx context.Context, events []domain.SessionEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
