package domain

import (
	"fmt"
	"time"
)

type QualityTier string

const (
	TierHigh      QualityTier = "high"
	TierMedium    QualityTier = "medium"
	TierLow       QualityTier = "low"
	TierAudioOnly QualityTier = "audio_only"
)

// TierProfile is the outbound video envelope of a tier. Bitrate is in
// bits per second.
type TierProfile struct {
	MaxBitrate   uint64
	MaxFramerate float64
	Width        int
	Height       int
}

var tierProfiles = map[QualityTier]TierProfile{
	TierHigh:      {MaxBitrate: 1_500_000, MaxFramerate: 30, Width: 1280, Height: 720},
	TierMedium:    {MaxBitrate: 800_000, MaxFramerate: 24, Width: 854, Height: 480},
	TierLow:       {MaxBitrate: 300_000, MaxFramerate: 15, Width: 640, Height: 360},
	TierAudioOnly: {},
}

func ParseQualityTier(s string) (QualityTier, error) {
	t := QualityTier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

func (t QualityTier) Valid() bool {
	_, ok := tierProfiles[t]
	return ok
}

func (t QualityTier) Profile() TierProfile {
	return tierProfiles[t]
}

// Rank orders tiers by required bandwidth, AUDIO_ONLY lowest.
func (t QualityTier) Rank() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

func (t QualityTier) VideoEnabled() bool {
	return t.Valid() && t != TierAudioOnly
}

// EncodingParameters are the limits set on an outbound video sender.
type EncodingParameters struct {
	MaxBitrate   uint64
	MaxFramerate float64
}

func (p TierProfile) Encoding() EncodingParameters {
	return EncodingParameters{MaxBitrate: p.MaxBitrate, MaxFramerate: p.MaxFramerate}
}

// VideoConstraints are applied to a capture track. Zero fields are left
// unconstrained.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate float64
}

func (p TierProfile) Constraints() VideoConstraints {
	return VideoConstraints{Width: p.Width, Height: p.Height, FrameRate: p.MaxFramerate}
}

// QualitySample is one network quality measurement on a 0-100 scale.
type QualitySample struct {
	PeerID    ParticipantID
	Score     float64
	Timestamp time.Time
}
