package services

import (
	"sync"
	"time"

	"carelink/internal/core/domain"
)

// Score thresholds on the 0-100 network quality scale. Scores in
// [mediumCeiling, highFloor) fall in the hysteresis band and never force a
// tier change.
const (
	audioOnlyCeiling = 30
	lowCeiling       = 50
	mediumCeiling    = 70
	highFloor        = 85
)

// MapScoreToTier returns the tier for a quality score. ok is false inside
// the hysteresis band.
func MapScoreToTier(score float64) (tier domain.QualityTier, ok bool) {
	switch {
	case score < audioOnlyCeiling:
		return domain.TierAudioOnly, true
	case score < lowCeiling:
		return domain.TierLow, true
	case score < mediumCeiling:
		return domain.TierMedium, true
	case score >= highFloor:
		return domain.TierHigh, true
	default:
		return "", false
	}
}

// QualityHistory is a fixed-capacity ring of quality samples. The oldest
// sample is evicted when full.
type QualityHistory struct {
	mu      sync.RWMutex
	samples []domain.QualitySample
	next    int
	size    int
}

func NewQualityHistory(capacity int) *QualityHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &QualityHistory{samples: make([]domain.QualitySample, capacity)}
}

func (h *QualityHistory) Push(sample domain.QualitySample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = sample
	h.next = (h.next + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}
}

func (h *QualityHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *QualityHistory) Capacity() int {
	return len(h.samples)
}

// Latest returns the most recently pushed sample.
func (h *QualityHistory) Latest() (domain.QualitySample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return domain.QualitySample{}, false
	}
	return h.samples[(h.next-1+len(h.samples))%len(h.samples)], true
}

// Recent returns up to n samples, oldest first.
func (h *QualityHistory) Recent(n int) []domain.QualitySample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]domain.QualitySample, 0, n)
	start := (h.next - n + len(h.samples)) % len(h.samples)
	for i := 0; i < n; i++ {
		out = append(out, h.samples[(start+i)%len(h.samples)])
	}
	return out
}

// Average is the mean score of the last window samples, or of all samples
// when fewer exist. It is zero for an empty history.
func (h *QualityHistory) Average(window int) float64 {
	recent := h.Recent(window)
	if len(recent) == 0 {
		return 0
	}
	var sum float64
	for _, s := range recent {
		sum += s.Score
	}
	return sum / float64(len(recent))
}

func (h *QualityHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.samples)
	h.next = 0
	h.size = 0
}

// PeerQualityAggregator reduces per-peer samples to one session score: the
// worst latest score among peers heard from within maxAge. All outbound
// legs share one tier, so the weakest link decides it.
type PeerQualityAggregator struct {
	maxAge time.Duration

	mu     sync.Mutex
	latest map[domain.ParticipantID]domain.QualitySample
}

func NewPeerQualityAggregator(maxAge time.Duration) *PeerQualityAggregator {
	return &PeerQualityAggregator{
		maxAge: maxAge,
		latest: make(map[domain.ParticipantID]domain.QualitySample),
	}
}

// Observe records sample and returns the session score. Peers whose latest
// sample is older than maxAge relative to sample are forgotten.
func (a *PeerQualityAggregator) Observe(sample domain.QualitySample) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest[sample.PeerID] = sample
	worst := sample.Score
	for id, s := range a.latest {
		if a.maxAge > 0 && sample.Timestamp.Sub(s.Timestamp) > a.maxAge {
			delete(a.latest, id)
			continue
		}
		worst = min(worst, s.Score)
	}
	return worst
}

// Reset forgets every peer, e.g. when leaving a room.
func (a *PeerQualityAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.latest)
}
