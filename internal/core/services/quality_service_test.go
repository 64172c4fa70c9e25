package services

import (
	"testing"
	"time"

	"carelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapScoreToTier(t *testing.T) {
	tests := []struct {
		score  float64
		want   domain.QualityTier
		wantOK bool
	}{
		{0, domain.TierAudioOnly, true},
		{29.9, domain.TierAudioOnly, true},
		{30, domain.TierLow, true},
		{49, domain.TierLow, true},
		{50, domain.TierMedium, true},
		{69.9, domain.TierMedium, true},
		{70, "", false},
		{84.9, "", false},
		{85, domain.TierHigh, true},
		{100, domain.TierHigh, true},
	}

	for _, tt := range tests {
		got, ok := MapScoreToTier(tt.score)
		assert.Equal(t, tt.wantOK, ok, "score %v", tt.score)
		assert.Equal(t, tt.want, got, "score %v", tt.score)
	}
}

func TestMapScoreToTier_Monotonic(t *testing.T) {
	prevRank := domain.TierHigh.Rank()
	for score := 100.0; score >= 0; score -= 0.5 {
		tier, ok := MapScoreToTier(score)
		if !ok {
			continue
		}
		assert.LessOrEqual(t, tier.Rank(), prevRank, "score %v", score)
		prevRank = tier.Rank()
	}
}

func TestQualityHistory_EvictsOldest(t *testing.T) {
	h := NewQualityHistory(3)
	for _, s := range []float64{90, 80, 40, 95, 10} {
		h.Push(domain.QualitySample{Score: s})
		assert.LessOrEqual(t, h.Len(), h.Capacity())
	}

	recent := h.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, []float64{40, 95, 10}, []float64{recent[0].Score, recent[1].Score, recent[2].Score})

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 10.0, latest.Score)
}

func TestQualityHistory_Average(t *testing.T) {
	h := NewQualityHistory(3)
	assert.Zero(t, h.Average(3))

	for _, s := range []float64{90, 80, 40, 95, 10} {
		h.Push(domain.QualitySample{Score: s})
	}

	assert.InDelta(t, 48.33, h.Average(3), 0.01)
	assert.InDelta(t, 52.5, h.Average(2), 0.01)
	// larger window than history averages what exists
	assert.InDelta(t, 48.33, h.Average(10), 0.01)
}

func TestQualityHistory_Reset(t *testing.T) {
	h := NewQualityHistory(2)
	h.Push(domain.QualitySample{Score: 50})
	h.Reset()

	assert.Equal(t, 0, h.Len())
	_, ok := h.Latest()
	assert.False(t, ok)
}

func TestPeerQualityAggregator_WorstFreshPeer(t *testing.T) {
	agg := NewPeerQualityAggregator(15 * time.Second)
	t0 := time.Unix(1000, 0)
	sample := func(peer domain.ParticipantID, score float64, at time.Duration) domain.QualitySample {
		return domain.QualitySample{PeerID: peer, Score: score, Timestamp: t0.Add(at)}
	}

	assert.Equal(t, 95.0, agg.Observe(sample("p1", 95, 0)))
	assert.Equal(t, 20.0, agg.Observe(sample("p2", 20, time.Second)))
	assert.Equal(t, 20.0, agg.Observe(sample("p1", 95, 5*time.Second)), "a healthy peer does not mask a weak one")
	assert.Equal(t, 40.0, agg.Observe(sample("p2", 40, 6*time.Second)), "only the latest sample per peer counts")

	// p2 has been silent for more than maxAge
	assert.Equal(t, 95.0, agg.Observe(sample("p1", 95, 30*time.Second)))

	agg.Reset()
	assert.Equal(t, 70.0, agg.Observe(sample("p3", 70, 31*time.Second)))
}
