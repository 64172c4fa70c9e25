package ports

import (
	"context"

	"carelink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type OfferOptions struct {
	ReceiveAudio bool
	ReceiveVideo bool
}

// PeerTransport is one WebRTC peer connection. Callbacks may be invoked from
// transport goroutines.
type PeerTransport interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track domain.LocalTrack) (RTPSender, error)
	RemoveTrack(sender RTPSender) error

	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnTrack(fn func(track domain.MediaTrack))

	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context, peerID domain.ParticipantID) (PeerTransport, error)
}

// RTPSender is an outbound media leg.
type RTPSender interface {
	Track() domain.LocalTrack
	Parameters() domain.EncodingParameters
	SetParameters(params domain.EncodingParameters) error
}

// OutboundMedia exposes the local video legs of the active connections.
type OutboundMedia interface {
	VideoSenders() []RTPSender
	LocalVideoTracks() []domain.LocalTrack
}
