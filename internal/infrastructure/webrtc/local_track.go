package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"carelink/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"golang.org/x/time/rate"
)

// LocalMediaTrack is a captured track sent to peers. Samples written while
// the track is disabled, or above its frame rate or bitrate limits, are
// dropped before they reach the wire. Video keyframes always pass the
// bitrate limit and are paid back by the frames that follow.
type LocalMediaTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  domain.TrackKind

	mu          sync.Mutex
	enabled     bool
	ended       bool
	constraints domain.VideoConstraints
	limits      domain.EncodingParameters
	bitrate     *rate.Limiter
	lastFrame   time.Time
	dropped     uint64
}

// NewLocalMediaTrack creates a VP8 video or Opus audio track.
func NewLocalMediaTrack(kind domain.TrackKind, id, streamID string) (*LocalMediaTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case domain.TrackKindVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case domain.TrackKindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &LocalMediaTrack{track: track, kind: kind, enabled: true}, nil
}

func (t *LocalMediaTrack) ID() domain.TrackID     { return domain.TrackID(t.track.ID()) }
func (t *LocalMediaTrack) Kind() domain.TrackKind { return t.kind }

// TrackLocal returns the pion track handed to peer connections.
func (t *LocalMediaTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *LocalMediaTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalMediaTrack) ReadyState() domain.TrackReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return domain.TrackEnded
	}
	return domain.TrackLive
}

func (t *LocalMediaTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *LocalMediaTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

func (t *LocalMediaTrack) ApplyConstraints(c domain.VideoConstraints) error {
	if t.kind != domain.TrackKindVideo {
		return errors.New("constraints apply to video tracks only")
	}
	if c.Width < 0 || c.Height < 0 || c.FrameRate < 0 {
		return fmt.Errorf("invalid constraints %+v", c)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.constraints = c
	return nil
}

func (t *LocalMediaTrack) Constraints() domain.VideoConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}

// SetEncodingLimits bounds the bitrate and frame rate of written samples.
// A zero field removes that limit.
func (t *LocalMediaTrack) SetEncodingLimits(p domain.EncodingParameters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = p
	if p.MaxBitrate == 0 {
		t.bitrate = nil
		return
	}
	bytesPerSecond := float64(p.MaxBitrate) / 8
	t.bitrate = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

func (t *LocalMediaTrack) EncodingLimits() domain.EncodingParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits
}

// Dropped is the number of samples discarded by the limits.
func (t *LocalMediaTrack) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// WriteSample sends one encoded frame. It returns io.ErrClosedPipe once the
// track was stopped; dropped frames are not errors.
func (t *LocalMediaTrack) WriteSample(s media.Sample) error {
	if !t.admit(s, time.Now()) {
		if t.ReadyState() == domain.TrackEnded {
			return io.ErrClosedPipe
		}
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *LocalMediaTrack) admit(s media.Sample, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended {
		return false
	}
	if !t.enabled {
		t.dropped++
		return false
	}

	maxFPS := t.limits.MaxFramerate
	if c := t.constraints.FrameRate; c > 0 && (maxFPS == 0 || c < maxFPS) {
		maxFPS = c
	}
	if maxFPS > 0 && !t.lastFrame.IsZero() {
		// small tolerance so a source at exactly maxFPS is not halved by jitter
		minGap := time.Duration(float64(time.Second) / maxFPS * 0.9)
		if now.Sub(t.lastFrame) < minGap {
			t.dropped++
			return false
		}
	}
	if t.bitrate != nil {
		if t.kind == domain.TrackKindVideo && isVP8Keyframe(s.Data) {
			// a keyframe can exceed the whole burst; reserving charges it as
			// debt so later delta frames are dropped until it is repaid
			t.bitrate.ReserveN(now, min(len(s.Data), t.bitrate.Burst()))
		} else if !t.bitrate.AllowN(now, len(s.Data)) {
			t.dropped++
			return false
		}
	}

	t.lastFrame = now
	return true
}

// isVP8Keyframe reads the frame tag of an encoded VP8 frame. Bit 0 is the
// inverted keyframe flag.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) >= 3 && frame[0]&0x01 == 0
}
