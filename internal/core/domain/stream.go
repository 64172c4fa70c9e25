package domain

import (
	"sync"
)

type (
	ParticipantID string
	SessionID     string
	RoomID        string
	StreamID      string
	TrackID       string
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type TrackReadyState string

const (
	TrackLive  TrackReadyState = "live"
	TrackEnded TrackReadyState = "ended"
)

// MediaTrack is the read-only view of an audio or video track.
type MediaTrack interface {
	ID() TrackID
	Kind() TrackKind
	Enabled() bool
	ReadyState() TrackReadyState
}

// LocalTrack is a track produced by the local capture pipeline. Only the
// owner of a local stream may mutate its tracks.
type LocalTrack interface {
	MediaTrack
	SetEnabled(enabled bool)
	Stop()
	ApplyConstraints(c VideoConstraints) error
}

// IsActive reports whether the track is live and enabled.
func IsActive(t MediaTrack) bool {
	return t != nil && t.Enabled() && t.ReadyState() == TrackLive
}

// MediaStream groups the tracks of one participant. A local stream owns its
// tracks; a remote stream only references tracks owned by the remote peer
// and never exposes them for mutation.
type MediaStream struct {
	id    StreamID
	owner ParticipantID
	local bool

	mu     sync.RWMutex
	tracks []MediaTrack
}

func NewLocalStream(id StreamID, owner ParticipantID, tracks ...LocalTrack) *MediaStream {
	s := &MediaStream{id: id, owner: owner, local: true}
	for _, t := range tracks {
		s.tracks = append(s.tracks, t)
	}
	return s
}

func NewRemoteStream(id StreamID, owner ParticipantID) *MediaStream {
	return &MediaStream{id: id, owner: owner}
}

func (s *MediaStream) ID() StreamID         { return s.id }
func (s *MediaStream) Owner() ParticipantID { return s.owner }
func (s *MediaStream) IsLocal() bool        { return s.local }

// AddTrack adds a track unless one with the same id is already present.
// Local streams only accept LocalTrack values.
func (s *MediaStream) AddTrack(t MediaTrack) bool {
	if s.local {
		if _, ok := t.(LocalTrack); !ok {
			return false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *MediaStream) Tracks() []MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *MediaStream) TracksOfKind(kind TrackKind) []MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MediaTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// LocalTracks returns the mutable tracks of a local stream, or nil for a
// remote one.
func (s *MediaStream) LocalTracks() []LocalTrack {
	if !s.local {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.(LocalTrack))
	}
	return out
}

// Stop ends every track of a local stream. It is a no-op on remote streams.
func (s *MediaStream) Stop() {
	for _, t := range s.LocalTracks() {
		t.Stop()
	}
}
