package webrtc

import (
	"context"
	"testing"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type foreignTrack struct{}

func (foreignTrack) ID() domain.TrackID                             { return "foreign" }
func (foreignTrack) Kind() domain.TrackKind                         { return domain.TrackKindVideo }
func (foreignTrack) Enabled() bool                                  { return true }
func (foreignTrack) ReadyState() domain.TrackReadyState             { return domain.TrackLive }
func (foreignTrack) SetEnabled(bool)                                {}
func (foreignTrack) Stop()                                          {}
func (foreignTrack) ApplyConstraints(domain.VideoConstraints) error { return nil }

func newTestFactory(t *testing.T) *PionTransportFactory {
	t.Helper()
	factory, err := NewPionTransportFactory(TransportConfig{PortMin: 50000, PortMax: 50100}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return factory
}

func newTestTransport(t *testing.T, factory *PionTransportFactory, id domain.ParticipantID) ports.PeerTransport {
	t.Helper()
	transport, err := factory.NewTransport(context.Background(), id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestPionTransport_OfferAnswer(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t)
	caller := newTestTransport(t, factory, "therapist")
	callee := newTestTransport(t, factory, "client")

	offer, err := caller.CreateOffer(ctx, ports.OfferOptions{ReceiveAudio: true, ReceiveVideo: true})
	require.NoError(t, err)
	require.NoError(t, ValidateDescription(offer, webrtc.SDPTypeOffer))

	summary, err := InspectSessionDescription(offer)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Audio)
	assert.Equal(t, 1, summary.Video)
	for mid, direction := range summary.Directions {
		assert.Equal(t, "recvonly", direction, "mid %s", mid)
	}

	require.NoError(t, caller.SetLocalDescription(offer))
	require.NoError(t, callee.SetRemoteDescription(offer))

	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, ValidateDescription(answer, webrtc.SDPTypeAnswer))
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestPionTransport_OfferSendsLocalVideo(t *testing.T) {
	ctx := context.Background()
	transport := newTestTransport(t, newTestFactory(t), "therapist")

	video, err := NewLocalMediaTrack(domain.TrackKindVideo, "cam", "local")
	require.NoError(t, err)
	sender, err := transport.AddTrack(video)
	require.NoError(t, err)
	assert.Same(t, video, sender.Track())

	require.NoError(t, sender.SetParameters(domain.TierMedium.Profile().Encoding()))
	assert.Equal(t, domain.TierMedium.Profile().Encoding(), sender.Parameters())
	assert.Equal(t, domain.TierMedium.Profile().Encoding(), video.EncodingLimits())
	assert.Error(t, sender.SetParameters(domain.EncodingParameters{MaxFramerate: -1}))

	offer, err := transport.CreateOffer(ctx, ports.OfferOptions{ReceiveVideo: true})
	require.NoError(t, err)
	summary, err := InspectSessionDescription(offer)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Video, "the sending transceiver also receives")
	assert.Zero(t, summary.Audio)

	require.NoError(t, transport.RemoveTrack(sender))
}

func TestPionTransport_RejectsForeignTracks(t *testing.T) {
	transport := newTestTransport(t, newTestFactory(t), "therapist")

	_, err := transport.AddTrack(foreignTrack{})
	assert.ErrorIs(t, err, ErrForeignTrack)

	err = transport.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
	assert.ErrorIs(t, err, ErrMalformedDescription)
}

func TestNewTransport_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFactory(t).NewTransport(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
}
