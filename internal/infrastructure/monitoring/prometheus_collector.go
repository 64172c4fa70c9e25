package monitoring

import (
	"context"
	"fmt"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector is an analytics sink that turns session events into
// metrics.
type PrometheusCollector struct {
	// Counters
	eventsTotal      *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	tierChanges      *prometheus.CounterVec
	roomSwitches     *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	sessionsStarted  prometheus.Counter
	peersConnected   prometheus.Gauge

	// Histograms
	qualityScore prometheus.Histogram
	batchSize    prometheus.Histogram
}

var _ ports.EventSink = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics on reg. Each
// registry accepts one collector.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_session_events_total",
			Help: "Session analytics events by type",
		}, []string{"type"}),

		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_peer_state_transitions_total",
			Help: "Peer connection state transitions by target state",
		}, []string{"state"}),

		tierChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_quality_tier_changes_total",
			Help: "Bandwidth tier changes by new tier",
		}, []string{"tier"}),

		roomSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_room_switches_total",
			Help: "Room switches by outcome",
		}, []string{"result"}),

		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_errors_total",
			Help: "Reported session errors by kind",
		}, []string{"kind"}),

		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "carelink_sessions_started_total",
			Help: "Sessions joined by this agent",
		}),

		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "carelink_peers",
			Help: "Remote peers currently in the session",
		}),

		qualityScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "carelink_quality_score",
			Help:    "Network quality samples (0-100)",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),

		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "carelink_analytics_batch_size",
			Help:    "Events per delivered analytics batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

func (p *PrometheusCollector) Publish(_ context.Context, events []domain.SessionEvent) error {
	p.batchSize.Observe(float64(len(events)))
	for _, event := range events {
		p.record(event)
	}
	return nil
}

func (p *PrometheusCollector) record(event domain.SessionEvent) {
	p.eventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case domain.EventSessionStarted:
		p.sessionsStarted.Inc()
	case domain.EventSessionEnded:
		p.peersConnected.Set(0)
	case domain.EventParticipantJoined:
		p.peersConnected.Inc()
	case domain.EventParticipantLeft:
		p.peersConnected.Dec()
	case domain.EventConnectionState:
		p.stateTransitions.WithLabelValues(label(event.Metadata, "to")).Inc()
	case domain.EventQualityChanged:
		p.tierChanges.WithLabelValues(label(event.Metadata, "tier")).Inc()
	case domain.EventQualitySample:
		if score, ok := event.Metadata["score"].(float64); ok {
			p.qualityScore.Observe(score)
		}
	case domain.EventRoomSwitched:
		p.roomSwitches.WithLabelValues("ok").Inc()
	case domain.EventRoomSwitchFailed:
		result := "failed"
		if rolledBack, _ := event.Metadata["rolled_back"].(bool); rolledBack {
			result = "rolled_back"
		}
		p.roomSwitches.WithLabelValues(result).Inc()
	case domain.EventError:
		p.errorsTotal.WithLabelValues(label(event.Metadata, "kind")).Inc()
	}
}

func label(metadata map[string]any, key string) string {
	v, ok := metadata[key]
	if !ok || v == nil {
		return "unknown"
	}
	return fmt.Sprint(v)
}
