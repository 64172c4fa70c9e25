package webrtc

import (
	"strings"
	"sync"
	"time"

	"carelink/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RemoteMediaTrack is a track received from a peer. It reads RTP to learn
// whether media is still flowing and, for VP8, the frame size.
type RemoteMediaTrack struct {
	id    domain.TrackID
	kind  domain.TrackKind
	codec string

	mu         sync.RWMutex
	ended      bool
	packets    uint64
	lastPacket time.Time
	width      uint32
	height     uint32
}

type RemoteTrackStats struct {
	Packets    uint64
	LastPacket time.Time
	Width      uint32
	Height     uint32
}

func newRemoteMediaTrack(id string, kind domain.TrackKind, codec string) *RemoteMediaTrack {
	return &RemoteMediaTrack{id: domain.TrackID(id), kind: kind, codec: codec}
}

func fromTrackRemote(t *webrtc.TrackRemote) *RemoteMediaTrack {
	kind := domain.TrackKindAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackKindVideo
	}
	return newRemoteMediaTrack(t.ID(), kind, t.Codec().MimeType)
}

func (t *RemoteMediaTrack) ID() domain.TrackID     { return t.id }
func (t *RemoteMediaTrack) Kind() domain.TrackKind { return t.kind }
func (t *RemoteMediaTrack) Enabled() bool          { return true }

func (t *RemoteMediaTrack) ReadyState() domain.TrackReadyState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ended {
		return domain.TrackEnded
	}
	return domain.TrackLive
}

func (t *RemoteMediaTrack) Stats() RemoteTrackStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return RemoteTrackStats{
		Packets:    t.packets,
		LastPacket: t.lastPacket,
		Width:      t.width,
		Height:     t.height,
	}
}

// read consumes packets until the track ends.
func (t *RemoteMediaTrack) read(remote *webrtc.TrackRemote, logger *zap.SugaredLogger) {
	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			logger.Debugw("remote track ended", "track_id", t.id, "error", err)
			t.markEnded()
			return
		}
		t.observe(packet, time.Now())
	}
}

func (t *RemoteMediaTrack) observe(packet *rtp.Packet, now time.Time) {
	var width, height uint32
	if t.kind == domain.TrackKindVideo {
		width, height = vp8KeyframeDimensions(t.codec, packet)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.packets++
	t.lastPacket = now
	if width > 0 && height > 0 {
		t.width, t.height = width, height
	}
}

func (t *RemoteMediaTrack) markEnded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

// vp8KeyframeDimensions returns the frame size carried by the first packet
// of a VP8 keyframe, or zeros for any other packet.
func vp8KeyframeDimensions(codec string, packet *rtp.Packet) (uint32, uint32) {
	if !strings.EqualFold(codec, webrtc.MimeTypeVP8) {
		return 0, 0
	}
	var vp8 codecs.VP8Packet
	if _, err := vp8.Unmarshal(packet.Payload); err != nil {
		return 0, 0
	}
	frame := vp8.Payload
	if vp8.S == 0 || vp8.PID != 0 || len(frame) < 10 || frame[0]&0x1 != 0 {
		return 0, 0
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0
	}
	raw := uint32(frame[6]) | uint32(frame[7])<<8 | uint32(frame[8])<<16 | uint32(frame[9])<<24
	return raw & 0x3fff, (raw >> 16) & 0x3fff
}
