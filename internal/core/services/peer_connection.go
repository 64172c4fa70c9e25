package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/scheduler"
	"carelink/pkg/tracing"
	"carelink/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type PeerConfig struct {
	// MaxReconnectAttempts bounds the DISCONNECTED episodes tolerated per
	// connection lifetime. The next one moves the peer to FAILED.
	MaxReconnectAttempts int
	// ReconnectTimeout is how long a single DISCONNECTED episode may last.
	ReconnectTimeout time.Duration
	// StopTracksOnTeardown stops the attached local tracks on teardown.
	// Off when the stream is shared by several peers and owned elsewhere.
	StopTracksOnTeardown bool
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		MaxReconnectAttempts: 3,
		ReconnectTimeout:     10 * time.Second,
		StopTracksOnTeardown: true,
	}
}

type nopPeerObserver struct{}

func (nopPeerObserver) OnStateChange(domain.ParticipantID, domain.ConnectionState, domain.ConnectionState) {
}

func (nopPeerObserver) OnLocalCandidate(domain.ParticipantID, webrtc.ICECandidateInit) {}

func (nopPeerObserver) OnRemoteTrack(domain.ParticipantID, *domain.MediaStream, domain.MediaTrack) {}

// PeerConnection owns the lifecycle of the connection to one remote
// participant.
type PeerConnection struct {
	id        domain.ParticipantID
	sessionID domain.SessionID
	factory   ports.TransportFactory
	observer  ports.PeerObserver
	cfg       PeerConfig
	logger    *zap.SugaredLogger

	// opMu serialises operations that call into the transport. Transport
	// callbacks only take mu, so they can never deadlock against it.
	opMu sync.Mutex

	mu                sync.Mutex
	transport         ports.PeerTransport
	generation        uint64
	state             domain.ConnectionState
	localDesc         *webrtc.SessionDescription
	remoteDesc        *webrtc.SessionDescription
	awaitingAnswer    bool
	pendingCandidates []webrtc.ICECandidateInit
	senders           []ports.RTPSender
	localStream       *domain.MediaStream
	remoteStream      *domain.MediaStream
	disconnects       int
	reconnectTimer    scheduler.Task
}

func NewPeerConnection(
	id domain.ParticipantID,
	sessionID domain.SessionID,
	factory ports.TransportFactory,
	observer ports.PeerObserver,
	cfg PeerConfig,
	logger *zap.SugaredLogger,
) *PeerConnection {
	if observer == nil {
		observer = nopPeerObserver{}
	}
	return &PeerConnection{
		id:        id,
		sessionID: sessionID,
		factory:   factory,
		observer:  observer,
		cfg:       cfg,
		logger:    logger.With("peer_id", id, "session_id", sessionID),
		state:     domain.StateNew,
	}
}

func (p *PeerConnection) ID() domain.ParticipantID { return p.id }

func (p *PeerConnection) State() domain.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) RemoteStream() *domain.MediaStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteStream
}

func (p *PeerConnection) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc != nil
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localDesc
}

// AwaitingAnswer reports whether a local offer is outstanding.
func (p *PeerConnection) AwaitingAnswer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awaitingAnswer
}

func (p *PeerConnection) PendingCandidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingCandidates)
}

func (p *PeerConnection) Senders() []ports.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.RTPSender, len(p.senders))
	copy(out, p.senders)
	return out
}

// CreateConnection instantiates a transport and registers its handlers. An
// existing transport is closed and replaced; local tracks attached before
// are attached to the new one. It is also the way out of FAILED: the
// replacement starts a fresh lifecycle in NEW.
func (p *PeerConnection) CreateConnection(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.state == domain.StateClosed {
		p.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	old := p.transport
	p.generation++
	p.transport = nil
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warnw("failed to close replaced transport", "error", err)
		}
	}

	transport, err := p.factory.NewTransport(ctx, p.id)
	if err != nil {
		return fmt.Errorf("create transport for %s: %w", p.id, err)
	}

	p.mu.Lock()
	if p.state == domain.StateClosed {
		// torn down while the transport was being created
		p.mu.Unlock()
		_ = transport.Close()
		return domain.ErrConnectionClosed
	}
	gen := p.generation
	prev := p.state
	p.transport = transport
	p.state = domain.StateNew
	p.localDesc = nil
	p.remoteDesc = nil
	p.awaitingAnswer = false
	p.pendingCandidates = nil
	p.senders = nil
	p.remoteStream = nil
	p.disconnects = 0
	local := p.localStream
	p.mu.Unlock()
	p.reconnectTimer.Cancel()

	transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.handleTransportState(gen, s)
	})
	transport.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		p.handleLocalCandidate(gen, c)
	})
	transport.OnTrack(func(t domain.MediaTrack) {
		p.handleRemoteTrack(gen, t)
	})

	if prev != domain.StateNew {
		p.observer.OnStateChange(p.id, prev, domain.StateNew)
	}

	if local != nil {
		if err := p.attachLocked(local); err != nil {
			return err
		}
	}

	p.logger.Debugw("peer connection created", "generation", gen)
	return nil
}

// AttachLocalTracks sends the tracks of stream, replacing previously
// attached senders so renegotiation never leaves stale media legs.
func (p *PeerConnection) AttachLocalTracks(stream *domain.MediaStream) error {
	if stream == nil || !stream.IsLocal() {
		return fmt.Errorf("attach tracks to %s: only local streams can be sent", p.id)
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.attachLocked(stream)
}

func (p *PeerConnection) attachLocked(stream *domain.MediaStream) error {
	transport, gen, err := p.activeTransport()
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.senders
	p.senders = nil
	p.mu.Unlock()

	for _, s := range old {
		if err := transport.RemoveTrack(s); err != nil {
			p.logger.Warnw("failed to remove stale sender", "error", err)
		}
	}

	senders := make([]ports.RTPSender, 0, len(stream.LocalTracks()))
	for _, track := range stream.LocalTracks() {
		sender, err := transport.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track %s: %w", track.Kind(), track.ID(), err)
		}
		senders = append(senders, sender)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked(gen) {
		return domain.ErrConnectionClosed
	}
	p.senders = senders
	p.localStream = stream
	return nil
}

// CreateOffer creates and sets a local offer that requests both audio and
// video from the remote side.
func (p *PeerConnection) CreateOffer(ctx context.Context) (offer webrtc.SessionDescription, err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "create_offer", string(p.sessionID), string(p.id))
	defer func() { tracing.End(span, err) }()

	p.opMu.Lock()
	defer p.opMu.Unlock()

	transport, gen, err := p.activeTransport()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.transition(domain.StateConnecting)

	offer, err = transport.CreateOffer(ctx, ports.OfferOptions{ReceiveAudio: true, ReceiveVideo: true})
	if err != nil {
		return webrtc.SessionDescription{}, p.fail("create offer", err)
	}
	if !p.live(gen) {
		return webrtc.SessionDescription{}, domain.ErrConnectionClosed
	}
	if err := transport.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, p.fail("set local offer", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked(gen) {
		return webrtc.SessionDescription{}, domain.ErrConnectionClosed
	}
	p.localDesc = &offer
	p.awaitingAnswer = true
	return offer, nil
}

// ApplyAnswer sets the remote answer and drains queued candidates.
func (p *PeerConnection) ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "apply_answer", string(p.sessionID), string(p.id))
	defer func() { tracing.End(span, err) }()

	p.opMu.Lock()
	defer p.opMu.Unlock()

	transport, gen, err := p.activeTransport()
	if err != nil {
		return err
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return p.fail("apply answer", fmt.Errorf("unexpected description type %s", answer.Type))
	}
	if err := ctx.Err(); err != nil {
		return p.fail("apply answer", err)
	}
	if err := transport.SetRemoteDescription(answer); err != nil {
		return p.fail("set remote answer", err)
	}

	p.mu.Lock()
	if !p.liveLocked(gen) {
		p.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	p.remoteDesc = &answer
	p.awaitingAnswer = false
	p.mu.Unlock()

	return p.drainCandidates(transport)
}

// AcceptOffer is the answering side of a negotiation: it applies the remote
// offer, drains queued candidates and returns the local answer.
func (p *PeerConnection) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (answer webrtc.SessionDescription, err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "accept_offer", string(p.sessionID), string(p.id))
	defer func() { tracing.End(span, err) }()

	p.opMu.Lock()
	defer p.opMu.Unlock()

	transport, gen, err := p.activeTransport()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, p.fail("accept offer", fmt.Errorf("unexpected description type %s", offer.Type))
	}
	p.transition(domain.StateConnecting)

	if err := transport.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, p.fail("set remote offer", err)
	}
	p.mu.Lock()
	if !p.liveLocked(gen) {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, domain.ErrConnectionClosed
	}
	p.remoteDesc = &offer
	p.mu.Unlock()

	if err := p.drainCandidates(transport); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err = transport.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, p.fail("create answer", err)
	}
	if !p.live(gen) {
		return webrtc.SessionDescription{}, domain.ErrConnectionClosed
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, p.fail("set local answer", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked(gen) {
		return webrtc.SessionDescription{}, domain.ErrConnectionClosed
	}
	p.localDesc = &answer
	return answer, nil
}

// AddRemoteCandidate applies a remote ICE candidate, or queues it until a
// remote description exists. Queued candidates are applied in arrival order.
func (p *PeerConnection) AddRemoteCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	transport, gen, err := p.activeTransport()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if !p.liveLocked(gen) {
		p.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if p.remoteDesc == nil {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		queued := len(p.pendingCandidates)
		p.mu.Unlock()
		p.logger.Debugw("queued remote candidate", "queued", queued)
		return nil
	}
	p.mu.Unlock()

	if err := p.drainCandidates(transport); err != nil {
		return err
	}
	if err := transport.AddICECandidate(candidate); err != nil {
		return p.fail("add remote candidate", err)
	}
	return nil
}

// drainCandidates must be called with opMu held.
func (p *PeerConnection) drainCandidates(transport ports.PeerTransport) error {
	p.mu.Lock()
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for i, c := range pending {
		if err := transport.AddICECandidate(c); err != nil {
			return p.fail(fmt.Sprintf("apply queued candidate %d of %d", i+1, len(pending)), err)
		}
	}
	if len(pending) > 0 {
		p.logger.Debugw("drained queued candidates", "count", len(pending))
	}
	return nil
}

// Teardown stops local tracks when configured to, closes the transport and
// moves to CLOSED. Every later operation fails with ErrConnectionClosed.
func (p *PeerConnection) Teardown() error {
	p.mu.Lock()
	if p.state == domain.StateClosed {
		p.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	prev := p.state
	p.state = domain.StateClosed
	p.generation++
	transport := p.transport
	p.transport = nil
	local := p.localStream
	p.pendingCandidates = nil
	p.senders = nil
	p.mu.Unlock()

	p.reconnectTimer.Cancel()

	// closing first unblocks a transport call in flight; the operation then
	// finds its generation gone and commits nothing
	var closeErr error
	if transport != nil {
		closeErr = transport.Close()
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.cfg.StopTracksOnTeardown && local != nil {
		local.Stop()
	}

	p.observer.OnStateChange(p.id, prev, domain.StateClosed)
	p.logger.Infow("peer connection closed", "previous_state", prev)

	if closeErr != nil {
		return fmt.Errorf("close transport for %s: %w", p.id, closeErr)
	}
	return nil
}

func (p *PeerConnection) activeTransport() (ports.PeerTransport, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == domain.StateClosed {
		return nil, 0, domain.ErrConnectionClosed
	}
	if p.transport == nil {
		return nil, 0, domain.ErrNoConnection
	}
	return p.transport, p.generation, nil
}

// liveLocked reports whether the lifecycle that started at gen is still
// open. mu must be held.
func (p *PeerConnection) liveLocked(gen uint64) bool {
	return gen == p.generation && p.state != domain.StateClosed
}

func (p *PeerConnection) live(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked(gen)
}

// fail moves the peer to FAILED and returns the negotiation error. A
// transport error caused by teardown is reported as ErrConnectionClosed.
func (p *PeerConnection) fail(step string, cause error) error {
	if p.State() == domain.StateClosed {
		return fmt.Errorf("%s for %s: %w", step, p.id, domain.ErrConnectionClosed)
	}
	p.transition(domain.StateFailed)
	p.logger.Warnw("negotiation failed", "step", step, "error", cause)
	return fmt.Errorf("%w: %s for %s: %w", domain.ErrNegotiation, step, p.id, cause)
}

// transition applies a legal state change and notifies the observer.
func (p *PeerConnection) transition(to domain.ConnectionState) bool {
	p.mu.Lock()
	from := p.state
	if from == to || !from.CanTransitionTo(to) {
		p.mu.Unlock()
		return false
	}
	p.state = to
	p.mu.Unlock()

	p.observer.OnStateChange(p.id, from, to)
	return true
}

func (p *PeerConnection) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.generation
}

func (p *PeerConnection) handleTransportState(gen uint64, s webrtc.PeerConnectionState) {
	if !p.current(gen) {
		return
	}

	switch s {
	case webrtc.PeerConnectionStateConnecting:
		p.transition(domain.StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		p.reconnectTimer.Cancel()
		if p.transition(domain.StateConnected) {
			p.logger.Infow("peer connected")
		}
	case webrtc.PeerConnectionStateDisconnected:
		p.handleDisconnect(gen)
	case webrtc.PeerConnectionStateFailed:
		p.reconnectTimer.Cancel()
		if p.transition(domain.StateFailed) {
			p.logger.Warnw("transport reported failure")
		}
	}
}

func (p *PeerConnection) handleDisconnect(gen uint64) {
	p.mu.Lock()
	if p.state != domain.StateConnected {
		p.mu.Unlock()
		return
	}
	p.disconnects++
	attempts := p.disconnects
	p.mu.Unlock()

	if attempts > p.cfg.MaxReconnectAttempts {
		p.logger.Warnw("reconnect attempts exhausted",
			"attempts", attempts,
			"max_attempts", p.cfg.MaxReconnectAttempts,
		)
		p.transition(domain.StateFailed)
		return
	}

	if !p.transition(domain.StateDisconnected) {
		return
	}
	p.logger.Infow("peer disconnected, waiting for recovery",
		"attempt", attempts,
		"timeout", p.cfg.ReconnectTimeout,
	)

	p.reconnectTimer.Schedule(p.cfg.ReconnectTimeout, func() {
		if !p.current(gen) || p.State() != domain.StateDisconnected {
			return
		}
		p.logger.Warnw("peer did not recover in time", "timeout", p.cfg.ReconnectTimeout)
		p.transition(domain.StateFailed)
	})
}

func (p *PeerConnection) handleLocalCandidate(gen uint64, c *webrtc.ICECandidateInit) {
	if c == nil || !p.current(gen) {
		return
	}
	p.observer.OnLocalCandidate(p.id, *c)
}

func (p *PeerConnection) handleRemoteTrack(gen uint64, track domain.MediaTrack) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	// audio and video arrive as separate events, in either order
	if p.remoteStream == nil {
		p.remoteStream = domain.NewRemoteStream(domain.StreamID(utils.NewStreamID()), p.id)
	}
	stream := p.remoteStream
	p.mu.Unlock()

	if stream.AddTrack(track) {
		p.logger.Infow("remote track added",
			"track_id", track.ID(),
			"kind", track.Kind(),
		)
		p.observer.OnRemoteTrack(p.id, stream, track)
	}
}

// IsClosed reports whether err means the connection was already torn down.
func IsClosed(err error) bool {
	return errors.Is(err, domain.ErrConnectionClosed)
}
