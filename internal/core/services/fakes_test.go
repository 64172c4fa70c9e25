package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
)

type fakeTrack struct {
	mu          sync.Mutex
	id          domain.TrackID
	kind        domain.TrackKind
	enabled     bool
	state       domain.TrackReadyState
	constraints []domain.VideoConstraints
	constrainFn func(domain.VideoConstraints) error
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: domain.TrackID(id), kind: kind, enabled: true, state: domain.TrackLive}
}

func (t *fakeTrack) ID() domain.TrackID     { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) ReadyState() domain.TrackReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = domain.TrackEnded
}

func (t *fakeTrack) ApplyConstraints(c domain.VideoConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.constraints = append(t.constraints, c)
	if t.constrainFn != nil {
		return t.constrainFn(c)
	}
	return nil
}

func (t *fakeTrack) lastConstraints() domain.VideoConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.constraints) == 0 {
		return domain.VideoConstraints{}
	}
	return t.constraints[len(t.constraints)-1]
}

type fakeSender struct {
	mu     sync.Mutex
	track  domain.LocalTrack
	params domain.EncodingParameters
	err    error
}

func (s *fakeSender) Track() domain.LocalTrack { return s.track }

func (s *fakeSender) Parameters() domain.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *fakeSender) SetParameters(p domain.EncodingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.params = p
	return nil
}

type fakeMedia struct {
	senders []ports.RTPSender
	tracks  []domain.LocalTrack
}

func (m *fakeMedia) VideoSenders() []ports.RTPSender       { return m.senders }
func (m *fakeMedia) LocalVideoTracks() []domain.LocalTrack { return m.tracks }

// fakeTransport records every call and lets tests fire transport events.
type fakeTransport struct {
	mu sync.Mutex

	peerID       domain.ParticipantID
	remoteDesc   *webrtc.SessionDescription
	localDesc    *webrtc.SessionDescription
	candidates   []string
	earlyApplied int
	senders      []*fakeSender
	removed      int
	closed       bool
	offerOpts    ports.OfferOptions

	offerErr     error
	setRemoteErr error
	candidateErr error

	// block, when set, holds CreateOffer and CreateAnswer until closed.
	// entered is signalled once the call is suspended.
	block   chan struct{}
	entered chan struct{}

	onState     func(webrtc.PeerConnectionState)
	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(domain.MediaTrack)
}

func (f *fakeTransport) suspend() {
	if f.block == nil {
		return
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	<-f.block
}

func (f *fakeTransport) CreateOffer(_ context.Context, opts ports.OfferOptions) (webrtc.SessionDescription, error) {
	f.suspend()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerOpts = opts
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + string(f.peerID)}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	f.suspend()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + string(f.peerID)}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remoteDesc = &desc
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candidateErr != nil {
		return f.candidateErr
	}
	if f.remoteDesc == nil {
		f.earlyApplied++
	}
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeTransport) AddTrack(track domain.LocalTrack) (ports.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{track: track}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeTransport) RemoveTrack(ports.RTPSender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnTrack(fn func(domain.MediaTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) fireCandidate(c *webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakeTransport) fireTrack(t domain.MediaTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *fakeTransport) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakeTransport) localDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localDesc
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports map[domain.ParticipantID][]*fakeTransport
	configure  func(*fakeTransport)
	err        error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{transports: make(map[domain.ParticipantID][]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(_ context.Context, peerID domain.ParticipantID) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{peerID: peerID}
	if f.configure != nil {
		f.configure(t)
	}
	f.transports[peerID] = append(f.transports[peerID], t)
	return t, nil
}

// latest returns the most recent transport built for peerID.
func (f *fakeFactory) latest(peerID domain.ParticipantID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.transports[peerID]
	if len(ts) == 0 {
		panic(fmt.Sprintf("no transport for %s", peerID))
	}
	return ts[len(ts)-1]
}

func (f *fakeFactory) count(peerID domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[peerID])
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []domain.SignalMessage
	err  error
}

func (s *recordingSignaler) Send(_ context.Context, msg domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSignaler) messages() []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SignalMessage(nil), s.sent...)
}

func (s *recordingSignaler) ofType(t domain.SignalType) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, m := range s.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordedEvent struct {
	SessionID domain.SessionID
	Type      domain.EventType
	Metadata  map[string]any
}

type recordingTracker struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingTracker) TrackEvent(sessionID domain.SessionID, eventType domain.EventType, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{SessionID: sessionID, Type: eventType, Metadata: metadata})
}

func (r *recordingTracker) ofType(t domain.EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type stateChange struct {
	Peer     domain.ParticipantID
	From, To domain.ConnectionState
}

type recordingObserver struct {
	mu         sync.Mutex
	changes    []stateChange
	candidates []webrtc.ICECandidateInit
	tracks     []domain.MediaTrack
}

func (o *recordingObserver) OnStateChange(peerID domain.ParticipantID, from, to domain.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, stateChange{Peer: peerID, From: from, To: to})
}

func (o *recordingObserver) OnLocalCandidate(_ domain.ParticipantID, c webrtc.ICECandidateInit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.candidates = append(o.candidates, c)
}

func (o *recordingObserver) OnRemoteTrack(_ domain.ParticipantID, _ *domain.MediaStream, t domain.MediaTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracks = append(o.tracks, t)
}

func (o *recordingObserver) states() []domain.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ConnectionState, 0, len(o.changes))
	for _, c := range o.changes {
		out = append(out, c.To)
	}
	return out
}

type mockConnector struct{ mock.Mock }

func (m *mockConnector) Connect(ctx context.Context, target domain.RoomTarget) error {
	return m.Called(ctx, target).Error(0)
}

func (m *mockConnector) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockCredentials struct{ mock.Mock }

func (m *mockCredentials) FetchRoomToken(ctx context.Context, roomID domain.RoomID, displayName string) (string, error) {
	args := m.Called(ctx, roomID, displayName)
	return args.String(0), args.Error(1)
}

type mockDirectory struct{ mock.Mock }

func (m *mockDirectory) MainRoom(ctx context.Context, sessionID domain.SessionID) (domain.RoomAddress, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.RoomAddress), args.Error(1)
}

type staticRoles map[domain.ParticipantID]bool

func (r staticRoles) IsPrivileged(_ context.Context, id domain.ParticipantID) (bool, error) {
	if r == nil {
		return false, errors.New("role store unavailable")
	}
	return r[id], nil
}

type fakeRender struct{ state domain.RenderState }

func (f fakeRender) RenderState() domain.RenderState { return f.state }
