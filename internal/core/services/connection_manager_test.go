package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"carelink/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type managerFixture struct {
	manager  *ConnectionManager
	factory  *fakeFactory
	signaler *recordingSignaler
	tracker  *recordingTracker
	video    *fakeTrack
	audio    *fakeTrack
}

func newManagerFixture(t *testing.T, localID domain.ParticipantID) *managerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	f := &managerFixture{
		factory:  newFakeFactory(),
		signaler: &recordingSignaler{},
		tracker:  &recordingTracker{},
		video:    newFakeTrack("cam", domain.TrackKindVideo),
		audio:    newFakeTrack("mic", domain.TrackKindAudio),
	}
	cfg := DefaultManagerConfig()
	cfg.QualityHistorySize = 3
	f.manager = NewConnectionManager(f.factory, f.signaler, f.tracker,
		NewStreamMonitor(NewStreamValidator(), logger), cfg, logger)

	local := domain.NewLocalStream("local", localID, f.video, f.audio)
	require.NoError(t, f.manager.JoinSession(context.Background(), "session-1", localID, local))
	return f
}

func signal(t *testing.T, typ domain.SignalType, from, to domain.ParticipantID, payload any) domain.SignalMessage {
	t.Helper()
	msg, err := domain.NewSignalMessage(typ, from, to, "session-1", payload)
	require.NoError(t, err)
	return msg
}

func TestConnectionManager_JoinTwice(t *testing.T) {
	f := newManagerFixture(t, "me")

	err := f.manager.JoinSession(context.Background(), "other", "me", nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
	assert.Len(t, f.tracker.ofType(domain.EventSessionStarted), 1)
}

func TestConnectionManager_RequiresJoin(t *testing.T) {
	m := NewConnectionManager(newFakeFactory(), nil, nil, nil, DefaultManagerConfig(), zaptest.NewLogger(t).Sugar())

	_, err := m.AddPeer(context.Background(), "p1")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	assert.ErrorIs(t, m.LeaveSession(context.Background()), domain.ErrNotJoined)
}

func TestConnectionManager_AddPeerReplacesExisting(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()

	first, err := f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)
	second, err := f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, domain.StateClosed, first.State())
	assert.Len(t, f.manager.ConnectionStates(), 1)
	assert.Len(t, f.tracker.ofType(domain.EventParticipantJoined), 1)
	// shared local tracks survive the replaced peer
	assert.Equal(t, domain.TrackLive, f.video.ReadyState())
}

func TestConnectionManager_ConnectToPeerSendsOffer(t *testing.T) {
	f := newManagerFixture(t, "me")

	require.NoError(t, f.manager.ConnectToPeer(context.Background(), "p1"))

	offers := f.signaler.ofType(domain.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ParticipantID("me"), offers[0].SenderID)
	assert.Equal(t, domain.ParticipantID("p1"), offers[0].TargetID)
	assert.Equal(t, domain.SessionID("session-1"), offers[0].SessionID)

	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offers[0].Payload, &desc))
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)

	require.NoError(t, f.manager.HandleSignalingMessage(context.Background(),
		signal(t, domain.SignalAnswer, "p1", "me", answerDesc())))
	p, ok := f.manager.Peer("p1")
	require.True(t, ok)
	assert.True(t, p.HasRemoteDescription())
	assert.False(t, p.AwaitingAnswer())
}

func TestConnectionManager_OfferFromUnknownPeerCreatesIt(t *testing.T) {
	f := newManagerFixture(t, "me")

	err := f.manager.HandleSignalingMessage(context.Background(),
		signal(t, domain.SignalOffer, "late", "me", offerDesc()))
	require.NoError(t, err)

	states := f.manager.ConnectionStates()
	assert.Equal(t, domain.StateConnecting, states["late"])

	answers := f.signaler.ofType(domain.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("late"), answers[0].TargetID)
	assert.Len(t, f.factory.latest("late").senders, 2, "local tracks attached before answering")
}

func TestConnectionManager_GroupSessionRoutingIsIndependent(t *testing.T) {
	for _, offerFirst := range []bool{true, false} {
		f := newManagerFixture(t, "me")
		ctx := context.Background()
		_, err := f.manager.AddPeer(ctx, "p1")
		require.NoError(t, err)
		_, err = f.manager.AddPeer(ctx, "p2")
		require.NoError(t, err)

		offer := signal(t, domain.SignalOffer, "p1", "me", offerDesc())
		cand := signal(t, domain.SignalCandidate, "p2", "me", candidate(1))

		msgs := []domain.SignalMessage{offer, cand}
		if !offerFirst {
			msgs = []domain.SignalMessage{cand, offer}
		}
		for _, m := range msgs {
			require.NoError(t, f.manager.HandleSignalingMessage(ctx, m))
		}

		states := f.manager.ConnectionStates()
		assert.Equal(t, domain.StateConnecting, states["p1"])
		assert.Equal(t, domain.StateNew, states["p2"])

		p1, _ := f.manager.Peer("p1")
		p2, _ := f.manager.Peer("p2")
		assert.True(t, p1.HasRemoteDescription())
		assert.Zero(t, p1.PendingCandidateCount())
		assert.False(t, p2.HasRemoteDescription())
		assert.Equal(t, 1, p2.PendingCandidateCount())
		assert.Empty(t, f.factory.latest("p1").appliedCandidates())
	}
}

func TestConnectionManager_RejectsMisroutedMessages(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()

	err := f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalOffer, "p1", "someone-else", offerDesc()))
	assert.ErrorIs(t, err, domain.ErrMisroutedMessage)

	msg := signal(t, domain.SignalOffer, "p1", "me", offerDesc())
	msg.SessionID = "other-session"
	assert.ErrorIs(t, f.manager.HandleSignalingMessage(ctx, msg), domain.ErrMisroutedMessage)

	err = f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalOffer, "me", "", offerDesc()))
	assert.ErrorIs(t, err, domain.ErrMisroutedMessage)

	err = f.manager.HandleSignalingMessage(ctx, domain.SignalMessage{Type: domain.SignalOffer, SenderID: "p1"})
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)

	bad := domain.SignalMessage{Type: domain.SignalCandidate, SenderID: "p1", Payload: json.RawMessage(`"nope"`)}
	assert.ErrorIs(t, f.manager.HandleSignalingMessage(ctx, bad), domain.ErrInvalidSignal)

	assert.Empty(t, f.manager.ConnectionStates())
}

func TestConnectionManager_OfferCollision(t *testing.T) {
	t.Run("higher id keeps its offer", func(t *testing.T) {
		f := newManagerFixture(t, "zed")
		ctx := context.Background()
		require.NoError(t, f.manager.ConnectToPeer(ctx, "amy"))

		require.NoError(t, f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalOffer, "amy", "zed", offerDesc())))

		p, _ := f.manager.Peer("amy")
		assert.True(t, p.AwaitingAnswer())
		assert.Empty(t, f.signaler.ofType(domain.SignalAnswer))
		assert.Equal(t, 1, f.factory.count("amy"))
	})

	t.Run("lower id yields and answers", func(t *testing.T) {
		f := newManagerFixture(t, "amy")
		ctx := context.Background()
		require.NoError(t, f.manager.ConnectToPeer(ctx, "zed"))

		require.NoError(t, f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalOffer, "zed", "amy", offerDesc())))

		p, _ := f.manager.Peer("zed")
		assert.False(t, p.AwaitingAnswer())
		assert.Len(t, f.signaler.ofType(domain.SignalAnswer), 1)
		assert.Equal(t, 2, f.factory.count("zed"))
	})
}

func TestConnectionManager_LeaveMessageRemovesPeer(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()
	_, err := f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalLeave, "p1", "me", nil)))
	assert.Empty(t, f.manager.ConnectionStates())
	assert.True(t, f.factory.latest("p1").isClosed())
	assert.Len(t, f.tracker.ofType(domain.EventParticipantLeft), 1)

	// a repeated leave is harmless
	require.NoError(t, f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalLeave, "p1", "me", nil)))
	assert.ErrorIs(t, f.manager.RemovePeer(ctx, "p1"), domain.ErrPeerNotFound)
}

func TestConnectionManager_FailedPeerIsReportedNotRemoved(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()

	var failed []domain.ParticipantID
	f.manager.OnPeerFailed(func(id domain.ParticipantID) { failed = append(failed, id) })

	require.NoError(t, f.manager.ConnectToPeer(ctx, "p1"))
	f.factory.latest("p1").fireState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, []domain.ParticipantID{"p1"}, failed)
	assert.Equal(t, domain.StateFailed, f.manager.ConnectionStates()["p1"])
	assert.NotEmpty(t, f.tracker.ofType(domain.EventError))

	require.NoError(t, f.manager.RetryPeer(ctx, "p1"))
	assert.Equal(t, domain.StateConnecting, f.manager.ConnectionStates()["p1"])
	assert.Len(t, f.signaler.ofType(domain.SignalOffer), 2)
	assert.ErrorIs(t, f.manager.RetryPeer(ctx, "ghost"), domain.ErrPeerNotFound)
}

func TestConnectionManager_RelaysLocalCandidates(t *testing.T) {
	f := newManagerFixture(t, "me")
	_, err := f.manager.AddPeer(context.Background(), "p1")
	require.NoError(t, err)

	c := candidate(3)
	f.factory.latest("p1").fireCandidate(&c)

	sent := f.signaler.ofType(domain.SignalCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ParticipantID("p1"), sent[0].TargetID)

	var got webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(sent[0].Payload, &got))
	assert.Equal(t, c.Candidate, got.Candidate)
}

func TestConnectionManager_RemoteTrackHook(t *testing.T) {
	f := newManagerFixture(t, "me")
	_, err := f.manager.AddPeer(context.Background(), "p1")
	require.NoError(t, err)

	var got []domain.ParticipantID
	f.manager.OnRemoteTrack(func(id domain.ParticipantID, _ *domain.MediaStream, _ domain.MediaTrack) {
		got = append(got, id)
	})
	f.factory.latest("p1").fireTrack(newFakeTrack("r-video", domain.TrackKindVideo))

	assert.Equal(t, []domain.ParticipantID{"p1"}, got)

	reports := f.manager.InspectStreams()
	require.Contains(t, reports, domain.ParticipantID("p1"))
	assert.True(t, reports["p1"].HasActiveVideo)
}

func TestConnectionManager_QualityHistory(t *testing.T) {
	f := newManagerFixture(t, "me")

	var seen atomic.Int32
	f.manager.OnQualitySample(func(domain.QualitySample) { seen.Add(1) })

	_, ok := f.manager.CurrentQuality()
	assert.False(t, ok)
	assert.Zero(t, f.manager.AverageQuality(3))

	for _, s := range []float64{90, 80, 40, 95, 10} {
		f.manager.RecordQualitySample(domain.QualitySample{PeerID: "p1", Score: s})
	}

	assert.InDelta(t, 48.33, f.manager.AverageQuality(3), 0.01)
	current, ok := f.manager.CurrentQuality()
	require.True(t, ok)
	assert.Equal(t, 10.0, current.Score)
	assert.False(t, current.Timestamp.IsZero())
	assert.EqualValues(t, 5, seen.Load())
}

func TestConnectionManager_OutboundMedia(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()

	var attached atomic.Int32
	f.manager.OnTracksAttached(func() { attached.Add(1) })

	_, err := f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)
	_, err = f.manager.AddPeer(ctx, "p2")
	require.NoError(t, err)

	senders := f.manager.VideoSenders()
	assert.Len(t, senders, 2)
	for _, s := range senders {
		assert.Equal(t, domain.TrackKindVideo, s.Track().Kind())
	}
	assert.Len(t, f.manager.LocalVideoTracks(), 1)
	assert.EqualValues(t, 2, attached.Load())

	adapter := NewBandwidthAdapter(f.manager, zaptest.NewLogger(t).Sugar())
	_, err = adapter.ForceAdaptation(domain.TierLow)
	require.NoError(t, err)
	for _, s := range senders {
		assert.Equal(t, domain.TierLow.Profile().Encoding(), s.Parameters())
	}
}

func TestConnectionManager_LeaveSession(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()
	_, err := f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)
	_, err = f.manager.AddPeer(ctx, "p2")
	require.NoError(t, err)

	require.NoError(t, f.manager.LeaveSession(ctx))

	assert.Empty(t, f.manager.ConnectionStates())
	assert.True(t, f.factory.latest("p1").isClosed())
	assert.True(t, f.factory.latest("p2").isClosed())
	assert.Equal(t, domain.TrackEnded, f.video.ReadyState())
	assert.Equal(t, domain.TrackEnded, f.audio.ReadyState())
	assert.Len(t, f.tracker.ofType(domain.EventSessionEnded), 1)

	_, joined := f.manager.SessionID()
	assert.False(t, joined)
	assert.ErrorIs(t, f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalOffer, "p1", "me", offerDesc())), domain.ErrNotJoined)
}

func TestConnectionManager_OfferAbandonedWhenPeerRemoved(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()
	f.factory.configure = func(tr *fakeTransport) {
		tr.block = make(chan struct{})
		tr.entered = make(chan struct{}, 1)
	}

	handled := make(chan error, 1)
	go func() {
		handled <- f.manager.HandleSignalingMessage(ctx, signal(t, domain.SignalOffer, "p1", "me", offerDesc()))
	}()
	transport := waitForTransport(t, f.factory, "p1")
	<-transport.entered

	removed := make(chan error, 1)
	go func() { removed <- f.manager.RemovePeer(ctx, "p1") }()
	require.Eventually(t, transport.isClosed, time.Second, 5*time.Millisecond)
	close(transport.block)

	assert.ErrorIs(t, <-handled, domain.ErrConnectionClosed)
	require.NoError(t, <-removed)
	assert.Empty(t, f.signaler.ofType(domain.SignalAnswer))
}

func waitForTransport(t *testing.T, factory *fakeFactory, peerID domain.ParticipantID) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool { return factory.count(peerID) > 0 }, time.Second, 5*time.Millisecond)
	return factory.latest(peerID)
}

func TestConnectionManager_AnalyticsKeyedByTherapySession(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	tracker := &recordingTracker{}
	signaler := &recordingSignaler{}
	cfg := DefaultManagerConfig()
	cfg.AnalyticsSessionID = "therapy-1"
	m := NewConnectionManager(newFakeFactory(), signaler, tracker, nil, cfg, logger)
	ctx := context.Background()

	require.NoError(t, m.JoinSession(ctx, "room-main", "me", nil))
	require.NoError(t, m.ConnectToPeer(ctx, "p1"))
	m.RecordQualitySample(domain.QualitySample{PeerID: "p1", Score: 80})
	require.NoError(t, m.RemovePeer(ctx, "p1"))
	require.NoError(t, m.LeaveSession(ctx))

	require.NoError(t, m.JoinSession(ctx, "room-breakout", "me", nil))
	require.NoError(t, m.LeaveSession(ctx))

	tracker.mu.Lock()
	events := append([]recordedEvent(nil), tracker.events...)
	tracker.mu.Unlock()
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, domain.SessionID("therapy-1"), e.SessionID, "event %s", e.Type)
	}
	assert.Equal(t, "room-breakout", tracker.ofType(domain.EventSessionStarted)[1].Metadata["room_id"])

	// the signaling scope is still the joined room
	offers := signaler.ofType(domain.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.SessionID("room-main"), offers[0].SessionID)
}

func TestConnectionManager_ReplacedPeerStateNotReported(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()

	_, err := f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)
	_, err = f.manager.AddPeer(ctx, "p1")
	require.NoError(t, err)

	for _, e := range f.tracker.ofType(domain.EventConnectionState) {
		assert.NotEqual(t, domain.StateClosed.String(), e.Metadata["to"], "replaced identity reported closed")
	}
	assert.Empty(t, f.tracker.ofType(domain.EventParticipantLeft))

	require.NoError(t, f.manager.RemovePeer(ctx, "p1"))
	assert.Len(t, f.tracker.ofType(domain.EventParticipantLeft), 1)
}

func TestConnectionManager_FailedAddStillPairsJoinAndLeave(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()
	f.factory.err = errors.New("no ice agent")

	_, err := f.manager.AddPeer(ctx, "p1")
	require.Error(t, err)
	require.NoError(t, f.manager.RemovePeer(ctx, "p1"))

	assert.Len(t, f.tracker.ofType(domain.EventParticipantJoined), 1)
	assert.Len(t, f.tracker.ofType(domain.EventParticipantLeft), 1)
}

func TestConnectionManager_GroupQualityDrivesOneTier(t *testing.T) {
	f := newManagerFixture(t, "me")
	ctx := context.Background()
	for _, id := range []domain.ParticipantID{"p1", "p2"} {
		_, err := f.manager.AddPeer(ctx, id)
		require.NoError(t, err)
	}

	adapter := NewBandwidthAdapter(f.manager, zaptest.NewLogger(t).Sugar())
	var changes []domain.QualityTier
	adapter.OnTierChange(func(_, to domain.QualityTier) { changes = append(changes, to) })

	agg := NewPeerQualityAggregator(3 * time.Second)
	f.manager.OnQualitySample(func(s domain.QualitySample) {
		_, err := adapter.AdaptToNetworkQuality(agg.Observe(s))
		require.NoError(t, err)
	})

	base := time.Now()
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Second) }
	for i := 0; i < 10; i++ {
		peer, score := domain.ParticipantID("p1"), 95.0
		if i%2 == 1 {
			peer, score = "p2", 20.0
		}
		f.manager.RecordQualitySample(domain.QualitySample{PeerID: peer, Score: score, Timestamp: at(i)})
	}
	assert.Equal(t, []domain.QualityTier{domain.TierAudioOnly}, changes)
	assert.Equal(t, domain.TierAudioOnly, adapter.CurrentTier())

	// p2 goes quiet; once its last sample ages out p1 alone decides
	for i := 10; i < 15; i++ {
		f.manager.RecordQualitySample(domain.QualitySample{PeerID: "p1", Score: 95, Timestamp: at(i)})
	}
	assert.Equal(t, []domain.QualityTier{domain.TierAudioOnly, domain.TierHigh}, changes)
}
