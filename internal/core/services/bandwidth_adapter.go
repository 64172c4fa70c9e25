package services

import (
	"fmt"
	"sync"
	"sync/atomic"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"go.uber.org/zap"
)

// BandwidthAdapter maps network quality to a tier and applies the tier's
// limits to the outbound video of the session.
type BandwidthAdapter struct {
	media  ports.OutboundMedia
	logger *zap.SugaredLogger

	// applyMu serialises sender mutation. Score-driven adaptation only
	// try-locks it so calls arriving mid-adaptation are dropped.
	applyMu    sync.Mutex
	isAdapting atomic.Bool

	mu                sync.RWMutex
	currentTier       domain.QualityTier
	disabledByAdapter bool
	listeners         []func(from, to domain.QualityTier)
}

func NewBandwidthAdapter(media ports.OutboundMedia, logger *zap.SugaredLogger) *BandwidthAdapter {
	return &BandwidthAdapter{
		media:       media,
		logger:      logger,
		currentTier: domain.TierHigh,
	}
}

func (a *BandwidthAdapter) CurrentTier() domain.QualityTier {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTier
}

func (a *BandwidthAdapter) IsAdapting() bool {
	return a.isAdapting.Load()
}

// OnTierChange registers fn to be called after the tier changes.
func (a *BandwidthAdapter) OnTierChange(fn func(from, to domain.QualityTier)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// AdaptToNetworkQuality applies the tier for score when it differs from the
// current one. It reports whether constraints were applied.
func (a *BandwidthAdapter) AdaptToNetworkQuality(score float64) (bool, error) {
	if score < 0 || score > 100 {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidScore, score)
	}

	target, ok := MapScoreToTier(score)
	if !ok || target == a.CurrentTier() {
		return false, nil
	}

	if !a.applyMu.TryLock() {
		a.logger.Debugw("adaptation in flight, dropping quality update",
			"score", score,
			"target_tier", target,
		)
		return false, nil
	}
	defer a.applyMu.Unlock()

	// re-check under the lock, a forced adaptation may have landed meanwhile
	if target == a.CurrentTier() {
		return false, nil
	}

	a.logger.Infow("adapting to network quality",
		"score", score,
		"from_tier", a.CurrentTier(),
		"to_tier", target,
	)
	return a.apply(target), nil
}

// ForceAdaptation applies tier regardless of measured quality. It waits for
// an adaptation in flight instead of being dropped.
func (a *BandwidthAdapter) ForceAdaptation(tier domain.QualityTier) (bool, error) {
	if !tier.Valid() {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidTier, tier)
	}
	return a.ApplyBandwidthConstraints(tier), nil
}

// ApplyBandwidthConstraints sets tier on every outbound video leg. It
// returns false when there is no video leg to constrain.
func (a *BandwidthAdapter) ApplyBandwidthConstraints(tier domain.QualityTier) bool {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	return a.apply(tier)
}

// Reapply pushes the current tier to legs attached since it was set.
func (a *BandwidthAdapter) Reapply() bool {
	return a.ApplyBandwidthConstraints(a.CurrentTier())
}

// apply must be called with applyMu held.
func (a *BandwidthAdapter) apply(tier domain.QualityTier) bool {
	a.isAdapting.Store(true)
	defer a.isAdapting.Store(false)

	a.mu.Lock()
	prev := a.currentTier
	a.currentTier = tier
	listeners := append([]func(from, to domain.QualityTier){}, a.listeners...)
	a.mu.Unlock()

	var applied bool
	if tier == domain.TierAudioOnly {
		applied = a.disableVideo()
	} else {
		applied = a.constrainVideo(tier)
	}

	if prev != tier {
		for _, fn := range listeners {
			fn(prev, tier)
		}
	}
	return applied
}

func (a *BandwidthAdapter) disableVideo() bool {
	if a.media == nil {
		return false
	}
	tracks := a.media.LocalVideoTracks()
	if len(tracks) == 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tracks {
		if t.Enabled() {
			t.SetEnabled(false)
			a.disabledByAdapter = true
		}
	}
	return true
}

func (a *BandwidthAdapter) constrainVideo(tier domain.QualityTier) bool {
	if a.media == nil {
		return false
	}
	senders := a.media.VideoSenders()
	if len(senders) == 0 {
		a.logger.Debugw("no outbound video sender, nothing to constrain", "tier", tier)
		return false
	}

	a.mu.Lock()
	if a.disabledByAdapter {
		for _, t := range a.media.LocalVideoTracks() {
			t.SetEnabled(true)
		}
		a.disabledByAdapter = false
	}
	a.mu.Unlock()

	profile := tier.Profile()
	for _, s := range senders {
		if err := s.SetParameters(profile.Encoding()); err != nil {
			a.logger.Warnw("failed to set sender encoding parameters",
				"tier", tier,
				"error", err,
			)
		}
		if track := s.Track(); track != nil {
			if err := track.ApplyConstraints(profile.Constraints()); err != nil {
				a.logger.Warnw("failed to apply track constraints",
					"tier", tier,
					"track_id", track.ID(),
					"error", err,
				)
			}
		}
	}
	return true
}
