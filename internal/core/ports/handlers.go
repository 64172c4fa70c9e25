package ports

import (
	"context"

	"carelink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerObserver receives lifecycle notifications from a peer connection.
// Implementations must not block.
type PeerObserver interface {
	OnStateChange(peerID domain.ParticipantID, from, to domain.ConnectionState)
	OnLocalCandidate(peerID domain.ParticipantID, candidate webrtc.ICECandidateInit)
	OnRemoteTrack(peerID domain.ParticipantID, stream *domain.MediaStream, track domain.MediaTrack)
}

type SignalHandler func(ctx context.Context, msg domain.SignalMessage)

type SignalSender interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
}

// SignalingChannel delivers messages for one participant. Messages from
// a single sender are delivered in order.
type SignalingChannel interface {
	SignalSender
	Listen(ctx context.Context, handler SignalHandler) error
	Close() error
}

// CredentialService issues room-scoped access tokens. Failures are typed
// errors, never an empty token.
type CredentialService interface {
	FetchRoomToken(ctx context.Context, roomID domain.RoomID, displayName string) (string, error)
}

// RoomConnector joins and leaves the media room of the local participant.
type RoomConnector interface {
	Connect(ctx context.Context, target domain.RoomTarget) error
	Disconnect(ctx context.Context) error
}

// RenderTarget is a sink remote media is attached to, e.g. a video element.
type RenderTarget interface {
	RenderState() domain.RenderState
}
