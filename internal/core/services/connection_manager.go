package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type ManagerConfig struct {
	Peer               PeerConfig
	QualityHistorySize int
	NegotiationTimeout time.Duration
	SignalTimeout      time.Duration
	// AnalyticsSessionID keys analytics events. It stays fixed while the
	// signaling session changes with every room; empty means the joined
	// session id.
	AnalyticsSessionID domain.SessionID
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Peer:               DefaultPeerConfig(),
		QualityHistorySize: 30,
		NegotiationTimeout: 15 * time.Second,
		SignalTimeout:      5 * time.Second,
	}
}

// ConnectionManager runs the peer connections of one multi-party session
// and routes signaling messages to them.
type ConnectionManager struct {
	factory   ports.TransportFactory
	signaling ports.SignalSender
	tracker   EventTracker
	monitor   *StreamMonitor
	cfg       ManagerConfig
	logger    *zap.SugaredLogger

	mu          sync.RWMutex
	joined      bool
	sessionID   domain.SessionID
	localID     domain.ParticipantID
	localStream *domain.MediaStream
	peers       map[domain.ParticipantID]*PeerConnection
	history     *QualityHistory

	hooksMu       sync.RWMutex
	failureHooks  []func(peerID domain.ParticipantID)
	trackHooks    []func(peerID domain.ParticipantID, stream *domain.MediaStream, track domain.MediaTrack)
	attachHooks   []func()
	qualityHooks  []func(sample domain.QualitySample)
	renderTargets map[domain.ParticipantID]ports.RenderTarget
}

func NewConnectionManager(
	factory ports.TransportFactory,
	signaling ports.SignalSender,
	tracker EventTracker,
	monitor *StreamMonitor,
	cfg ManagerConfig,
	logger *zap.SugaredLogger,
) *ConnectionManager {
	// PeerConnections never stop the shared local stream; the manager does.
	cfg.Peer.StopTracksOnTeardown = false
	if tracker == nil {
		tracker = (*SessionAnalytics)(nil)
	}
	return &ConnectionManager{
		factory:       factory,
		signaling:     signaling,
		tracker:       tracker,
		monitor:       monitor,
		cfg:           cfg,
		logger:        logger,
		peers:         make(map[domain.ParticipantID]*PeerConnection),
		history:       NewQualityHistory(cfg.QualityHistorySize),
		renderTargets: make(map[domain.ParticipantID]ports.RenderTarget),
	}
}

// OnPeerFailed registers fn for peers entering FAILED. The peer stays in
// the session until the caller retries or removes it.
func (m *ConnectionManager) OnPeerFailed(fn func(peerID domain.ParticipantID)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.failureHooks = append(m.failureHooks, fn)
}

func (m *ConnectionManager) OnRemoteTrack(fn func(peerID domain.ParticipantID, stream *domain.MediaStream, track domain.MediaTrack)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.trackHooks = append(m.trackHooks, fn)
}

// OnTracksAttached registers fn to run after local tracks were attached to
// a peer, e.g. to reapply bandwidth limits.
func (m *ConnectionManager) OnTracksAttached(fn func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.attachHooks = append(m.attachHooks, fn)
}

func (m *ConnectionManager) OnQualitySample(fn func(sample domain.QualitySample)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.qualityHooks = append(m.qualityHooks, fn)
}

// SetRenderTarget records where the remote media of peerID is rendered so
// InspectStreams can validate it.
func (m *ConnectionManager) SetRenderTarget(peerID domain.ParticipantID, target ports.RenderTarget) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.renderTargets[peerID] = target
}

// JoinSession starts a session. local may be nil for receive-only
// participants; otherwise the manager owns it and stops it on leave.
func (m *ConnectionManager) JoinSession(ctx context.Context, sessionID domain.SessionID, localID domain.ParticipantID, local *domain.MediaStream) error {
	if local != nil && !local.IsLocal() {
		return fmt.Errorf("join session %s: remote stream cannot be published", sessionID)
	}

	m.mu.Lock()
	if m.joined {
		current := m.sessionID
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, current)
	}
	m.joined = true
	m.sessionID = sessionID
	m.localID = localID
	m.localStream = local
	m.history.Reset()
	m.mu.Unlock()

	m.logger.Infow("joined session",
		"session_id", sessionID,
		"participant_id", localID,
		"publishing", local != nil,
	)
	m.tracker.TrackEvent(m.analyticsKey(sessionID), domain.EventSessionStarted, map[string]any{
		"participant_id": string(localID),
		"room_id":        string(sessionID),
	})
	return nil
}

// LeaveSession closes every peer and stops the local tracks.
func (m *ConnectionManager) LeaveSession(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return domain.ErrNotJoined
	}
	peers := m.peers
	m.peers = make(map[domain.ParticipantID]*PeerConnection)
	sessionID := m.sessionID
	local := m.localStream
	m.joined = false
	m.localStream = nil
	m.mu.Unlock()

	var errs []error
	for id, p := range peers {
		if err := p.Teardown(); err != nil && !IsClosed(err) {
			errs = append(errs, fmt.Errorf("teardown %s: %w", id, err))
		}
	}
	if local != nil {
		local.Stop()
	}

	m.hooksMu.Lock()
	clear(m.renderTargets)
	m.hooksMu.Unlock()

	m.logger.Infow("left session", "session_id", sessionID, "peers_closed", len(peers))
	m.tracker.TrackEvent(m.analyticsKey(sessionID), domain.EventSessionEnded, map[string]any{
		"peers":   len(peers),
		"room_id": string(sessionID),
	})
	return errors.Join(errs...)
}

func (m *ConnectionManager) analyticsKey(sessionID domain.SessionID) domain.SessionID {
	if m.cfg.AnalyticsSessionID != "" {
		return m.cfg.AnalyticsSessionID
	}
	return sessionID
}

func (m *ConnectionManager) currentAnalyticsKey() domain.SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.analyticsKey(m.sessionID)
}

func (m *ConnectionManager) SessionID() (domain.SessionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID, m.joined
}

func (m *ConnectionManager) LocalID() domain.ParticipantID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localID
}

// AddPeer creates the connection to a participant. An existing connection
// for the same identity is torn down and replaced without reporting a
// departure. A participant counts as joined once registered, even if its
// transport cannot be created; RemovePeer reports the matching departure.
func (m *ConnectionManager) AddPeer(ctx context.Context, peerID domain.ParticipantID) (*PeerConnection, error) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return nil, domain.ErrNotJoined
	}
	sessionID := m.sessionID
	analyticsID := m.analyticsKey(sessionID)
	local := m.localStream
	old := m.peers[peerID]
	peer := NewPeerConnection(peerID, sessionID, m.factory, &managerObserver{m: m}, m.cfg.Peer, m.logger)
	m.peers[peerID] = peer
	m.mu.Unlock()

	if old != nil {
		m.logger.Infow("replacing existing peer", "peer_id", peerID)
		if obs, ok := old.observer.(*managerObserver); ok {
			obs.retired.Store(true)
		}
		if err := old.Teardown(); err != nil && !IsClosed(err) {
			m.logger.Warnw("failed to tear down replaced peer", "peer_id", peerID, "error", err)
		}
	} else {
		m.tracker.TrackEvent(analyticsID, domain.EventParticipantJoined, map[string]any{
			"peer_id": string(peerID),
		})
	}

	if err := peer.CreateConnection(ctx); err != nil {
		return peer, err
	}
	if local != nil {
		if err := peer.AttachLocalTracks(local); err != nil {
			return peer, err
		}
		m.runAttachHooks()
	}
	return peer, nil
}

// RemovePeer tears down and forgets a participant's connection.
func (m *ConnectionManager) RemovePeer(ctx context.Context, peerID domain.ParticipantID) error {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peerID)
	}
	delete(m.peers, peerID)
	analyticsID := m.analyticsKey(m.sessionID)
	m.mu.Unlock()

	m.hooksMu.Lock()
	delete(m.renderTargets, peerID)
	m.hooksMu.Unlock()

	err := peer.Teardown()
	m.tracker.TrackEvent(analyticsID, domain.EventParticipantLeft, map[string]any{
		"peer_id": string(peerID),
	})
	if err != nil && !IsClosed(err) {
		return fmt.Errorf("remove peer %s: %w", peerID, err)
	}
	return nil
}

func (m *ConnectionManager) Peer(peerID domain.ParticipantID) (*PeerConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	return p, ok
}

func (m *ConnectionManager) peerOrCreate(ctx context.Context, peerID domain.ParticipantID) (*PeerConnection, error) {
	if p, ok := m.Peer(peerID); ok {
		return p, nil
	}
	m.logger.Infow("signal from unknown participant, creating peer", "peer_id", peerID)
	return m.AddPeer(ctx, peerID)
}

// ConnectToPeer starts a negotiation as the offering side.
func (m *ConnectionManager) ConnectToPeer(ctx context.Context, peerID domain.ParticipantID) error {
	peer, err := m.peerOrCreate(ctx, peerID)
	if err != nil {
		return err
	}

	nctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()

	offer, err := peer.CreateOffer(nctx)
	if err != nil {
		return err
	}
	return m.send(ctx, domain.SignalOffer, peerID, offer)
}

// RetryPeer rebuilds a peer's connection and renegotiates. It is the
// explicit recovery path for a FAILED peer.
func (m *ConnectionManager) RetryPeer(ctx context.Context, peerID domain.ParticipantID) error {
	peer, ok := m.Peer(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peerID)
	}
	m.logger.Infow("retrying peer", "peer_id", peerID, "state", peer.State())

	if err := peer.CreateConnection(ctx); err != nil {
		return err
	}
	m.runAttachHooks()
	return m.ConnectToPeer(ctx, peerID)
}

// HandleSignalingMessage routes an inbound message to the peer identified by
// its sender, creating the peer if it is not known yet.
func (m *ConnectionManager) HandleSignalingMessage(ctx context.Context, msg domain.SignalMessage) (err error) {
	ctx, span := tracing.TraceSignaling(ctx, string(msg.Type), string(msg.SenderID))
	defer func() { tracing.End(span, err) }()

	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	joined, sessionID, localID := m.joined, m.sessionID, m.localID
	m.mu.RUnlock()

	if !joined {
		return domain.ErrNotJoined
	}
	if msg.SenderID == localID {
		return fmt.Errorf("%w: message from self", domain.ErrMisroutedMessage)
	}
	if msg.TargetID != "" && msg.TargetID != localID {
		return fmt.Errorf("%w: target %s", domain.ErrMisroutedMessage, msg.TargetID)
	}
	if msg.SessionID != "" && msg.SessionID != sessionID {
		return fmt.Errorf("%w: session %s", domain.ErrMisroutedMessage, msg.SessionID)
	}

	switch msg.Type {
	case domain.SignalOffer:
		return m.handleOffer(ctx, msg)
	case domain.SignalAnswer:
		return m.handleAnswer(ctx, msg)
	case domain.SignalCandidate:
		return m.handleCandidate(ctx, msg)
	case domain.SignalLeave:
		err := m.RemovePeer(ctx, msg.SenderID)
		if errors.Is(err, domain.ErrPeerNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (m *ConnectionManager) handleOffer(ctx context.Context, msg domain.SignalMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return fmt.Errorf("%w: offer payload: %w", domain.ErrInvalidSignal, err)
	}

	peer, err := m.peerOrCreate(ctx, msg.SenderID)
	if err != nil {
		return err
	}

	// Offer collision: the participant with the lower id yields and starts
	// over as the answering side; the other keeps its own offer.
	if peer.AwaitingAnswer() {
		if m.LocalID() > msg.SenderID {
			m.logger.Infow("ignoring colliding offer", "peer_id", msg.SenderID)
			return nil
		}
		m.logger.Infow("yielding to colliding offer", "peer_id", msg.SenderID)
		if err := peer.CreateConnection(ctx); err != nil {
			return err
		}
	}

	nctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()

	answer, err := peer.AcceptOffer(nctx, offer)
	if err != nil {
		return err
	}
	return m.send(ctx, domain.SignalAnswer, msg.SenderID, answer)
}

func (m *ConnectionManager) handleAnswer(ctx context.Context, msg domain.SignalMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		return fmt.Errorf("%w: answer payload: %w", domain.ErrInvalidSignal, err)
	}

	peer, err := m.peerOrCreate(ctx, msg.SenderID)
	if err != nil {
		return err
	}

	nctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()
	return peer.ApplyAnswer(nctx, answer)
}

func (m *ConnectionManager) handleCandidate(ctx context.Context, msg domain.SignalMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return fmt.Errorf("%w: candidate payload: %w", domain.ErrInvalidSignal, err)
	}

	peer, err := m.peerOrCreate(ctx, msg.SenderID)
	if err != nil {
		return err
	}
	return peer.AddRemoteCandidate(ctx, candidate)
}

func (m *ConnectionManager) send(ctx context.Context, t domain.SignalType, target domain.ParticipantID, payload any) error {
	if m.signaling == nil {
		return fmt.Errorf("send %s to %s: no signaling channel", t, target)
	}

	m.mu.RLock()
	localID, sessionID := m.localID, m.sessionID
	m.mu.RUnlock()

	msg, err := domain.NewSignalMessage(t, localID, target, sessionID, payload)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SignalTimeout)
	defer cancel()
	if err := m.signaling.Send(sctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", t, target, err)
	}
	return nil
}

// ConnectionStates returns a snapshot of every peer's state.
func (m *ConnectionManager) ConnectionStates() map[domain.ParticipantID]domain.ConnectionState {
	m.mu.RLock()
	peers := make([]*PeerConnection, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	states := make(map[domain.ParticipantID]domain.ConnectionState, len(peers))
	for _, p := range peers {
		states[p.ID()] = p.State()
	}
	return states
}

// RecordQualitySample adds a measurement to the session's quality history.
func (m *ConnectionManager) RecordQualitySample(sample domain.QualitySample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	m.history.Push(sample)

	m.tracker.TrackEvent(m.currentAnalyticsKey(), domain.EventQualitySample, map[string]any{
		"peer_id": string(sample.PeerID),
		"score":   sample.Score,
	})

	m.hooksMu.RLock()
	hooks := append([]func(domain.QualitySample){}, m.qualityHooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(sample)
	}
}

// CurrentQuality returns the latest quality sample.
func (m *ConnectionManager) CurrentQuality() (domain.QualitySample, bool) {
	return m.history.Latest()
}

// AverageQuality averages the last windowSize samples, or all of them when
// fewer were recorded.
func (m *ConnectionManager) AverageQuality(windowSize int) float64 {
	return m.history.Average(windowSize)
}

// InspectStreams validates the remote stream of every peer on demand.
func (m *ConnectionManager) InspectStreams() map[domain.ParticipantID]domain.StreamReport {
	m.mu.RLock()
	peers := make([]*PeerConnection, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	reports := make(map[domain.ParticipantID]domain.StreamReport, len(peers))
	for _, p := range peers {
		m.hooksMu.RLock()
		target := m.renderTargets[p.ID()]
		m.hooksMu.RUnlock()

		report, _ := m.monitor.Check(p.ID(), p.RemoteStream(), target)
		reports[p.ID()] = report
	}
	return reports
}

// VideoSenders returns the outbound video legs of all peers.
func (m *ConnectionManager) VideoSenders() []ports.RTPSender {
	m.mu.RLock()
	peers := make([]*PeerConnection, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	var out []ports.RTPSender
	for _, p := range peers {
		for _, s := range p.Senders() {
			if t := s.Track(); t != nil && t.Kind() == domain.TrackKindVideo {
				out = append(out, s)
			}
		}
	}
	return out
}

// LocalVideoTracks returns the video tracks of the local stream.
func (m *ConnectionManager) LocalVideoTracks() []domain.LocalTrack {
	m.mu.RLock()
	local := m.localStream
	m.mu.RUnlock()
	if local == nil {
		return nil
	}

	var out []domain.LocalTrack
	for _, t := range local.LocalTracks() {
		if t.Kind() == domain.TrackKindVideo {
			out = append(out, t)
		}
	}
	return out
}

func (m *ConnectionManager) runAttachHooks() {
	m.hooksMu.RLock()
	hooks := append([]func(){}, m.attachHooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// managerObserver turns peer callbacks into session-level reporting. A
// retired observer belongs to a replaced connection whose identity lives on
// in its successor, so its state changes are not reported.
type managerObserver struct {
	m       *ConnectionManager
	retired atomic.Bool
}

func (o *managerObserver) OnStateChange(peerID domain.ParticipantID, from, to domain.ConnectionState) {
	m := o.m
	if o.retired.Load() {
		m.logger.Debugw("replaced peer state changed", "peer_id", peerID, "to", to.String())
		return
	}
	m.mu.RLock()
	sessionID := m.sessionID
	analyticsID := m.analyticsKey(sessionID)
	m.mu.RUnlock()

	m.logger.Infow("peer state changed",
		"session_id", sessionID,
		"peer_id", peerID,
		"from", from.String(),
		"to", to.String(),
	)
	m.tracker.TrackEvent(analyticsID, domain.EventConnectionState, map[string]any{
		"peer_id": string(peerID),
		"from":    from.String(),
		"to":      to.String(),
	})

	if to != domain.StateFailed {
		return
	}
	m.tracker.TrackEvent(analyticsID, domain.EventError, map[string]any{
		"peer_id": string(peerID),
		"kind":    "peer_failed",
	})
	m.hooksMu.RLock()
	hooks := append([]func(domain.ParticipantID){}, m.failureHooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(peerID)
	}
}

func (o *managerObserver) OnLocalCandidate(peerID domain.ParticipantID, candidate webrtc.ICECandidateInit) {
	m := o.m
	if err := m.send(context.Background(), domain.SignalCandidate, peerID, candidate); err != nil {
		m.logger.Warnw("failed to relay local candidate", "peer_id", peerID, "error", err)
	}
}

func (o *managerObserver) OnRemoteTrack(peerID domain.ParticipantID, stream *domain.MediaStream, track domain.MediaTrack) {
	o.m.hooksMu.RLock()
	hooks := append([]func(domain.ParticipantID, *domain.MediaStream, domain.MediaTrack){}, o.m.trackHooks...)
	o.m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(peerID, stream, track)
	}
}
