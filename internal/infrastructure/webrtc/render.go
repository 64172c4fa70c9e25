package webrtc

import (
	"sync"
	"time"

	"carelink/internal/core/domain"
)

// DefaultStaleAfter is how long a remote video may go without packets
// before the sink stops reporting enough data.
const DefaultStaleAfter = 2 * time.Second

// RenderSink is a headless render target for a remote stream. Its ready
// state follows the media actually arriving on the stream's tracks.
type RenderSink struct {
	staleAfter time.Duration
	now        func() time.Time

	mu     sync.Mutex
	stream *domain.MediaStream
	paused bool
}

func NewRenderSink(staleAfter time.Duration) *RenderSink {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RenderSink{staleAfter: staleAfter, now: time.Now}
}

func (r *RenderSink) Attach(stream *domain.MediaStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = stream
}

func (r *RenderSink) Detach() {
	r.Attach(nil)
}

func (r *RenderSink) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

func (r *RenderSink) RenderState() domain.RenderState {
	r.mu.Lock()
	stream, paused := r.stream, r.paused
	r.mu.Unlock()

	state := domain.RenderState{Source: stream, Paused: paused, ReadyState: domain.HaveNothing}
	if stream == nil {
		return state
	}

	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return state
	}
	state.ReadyState = domain.HaveMetadata

	ended := true
	var freshest time.Time
	for _, track := range tracks {
		if track.ReadyState() != domain.TrackEnded {
			ended = false
		}
		remote, ok := track.(*RemoteMediaTrack)
		if !ok {
			continue
		}
		stats := remote.Stats()
		if stats.LastPacket.After(freshest) {
			freshest = stats.LastPacket
		}
		if track.Kind() == domain.TrackKindVideo && stats.Width > 0 {
			state.Width, state.Height = int(stats.Width), int(stats.Height)
		}
	}
	state.Ended = ended

	if !freshest.IsZero() {
		if r.now().Sub(freshest) <= r.staleAfter {
			state.ReadyState = domain.HaveEnoughData
		} else {
			state.ReadyState = domain.HaveCurrentData
		}
	}
	return state
}
