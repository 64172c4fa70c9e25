package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrForeignTrack = errors.New("track was not created by this transport")

// pionTrack is a local track backed by a pion TrackLocal.
type pionTrack interface {
	domain.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

type encodingLimiter interface {
	SetEncodingLimits(p domain.EncodingParameters)
}

type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortMin    uint16
	PortMax    uint16
}

// PionTransportFactory creates peer connections sharing one media engine
// and interceptor chain.
type PionTransportFactory struct {
	api     *webrtc.API
	config  webrtc.Configuration
	sampler *QualitySampler
	logger  *zap.SugaredLogger
}

// NewPionTransportFactory registers the default codecs and interceptors
// (NACK, RTCP reports, TWCC). sampler may be nil.
func NewPionTransportFactory(cfg TransportConfig, sampler *QualitySampler, logger *zap.SugaredLogger) (*PionTransportFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &PionTransportFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config:  webrtc.Configuration{ICEServers: cfg.ICEServers},
		sampler: sampler,
		logger:  logger,
	}, nil
}

func (f *PionTransportFactory) NewTransport(ctx context.Context, peerID domain.ParticipantID) (ports.PeerTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionTransport{
		pc:      pc,
		peerID:  peerID,
		sampler: f.sampler,
		logger:  f.logger.With("peer_id", peerID),
	}, nil
}

type pionTransport struct {
	pc      *webrtc.PeerConnection
	peerID  domain.ParticipantID
	sampler *QualitySampler
	logger  *zap.SugaredLogger
}

func (t *pionTransport) CreateOffer(ctx context.Context, opts ports.OfferOptions) (webrtc.SessionDescription, error) {
	if opts.ReceiveAudio {
		if err := t.ensureReceiving(webrtc.RTPCodecTypeAudio); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	if opts.ReceiveVideo {
		if err := t.ensureReceiving(webrtc.RTPCodecTypeVideo); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	summary, err := InspectSessionDescription(offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.logger.Debugw("offer created", "audio_sections", summary.Audio, "video_sections", summary.Video)
	return offer, nil
}

// ensureReceiving adds a receive-only transceiver when no transceiver of
// kind exists yet.
func (t *pionTransport) ensureReceiving(kind webrtc.RTPCodecType) error {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() == kind {
			return nil
		}
	}
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if _, err := InspectSessionDescription(desc); err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) AddTrack(track domain.LocalTrack) (ports.RTPSender, error) {
	pt, ok := track.(pionTrack)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForeignTrack, track.ID())
	}
	sender, err := t.pc.AddTrack(pt.TrackLocal())
	if err != nil {
		return nil, err
	}

	// RTCP must be read for the interceptors to run.
	if t.sampler != nil && track.Kind() == domain.TrackKindVideo {
		t.sampler.Watch(t.peerID, sender)
	} else {
		go drainRTCP(sender)
	}
	return &pionSender{sender: sender, track: pt}, nil
}

func (t *pionTransport) RemoveTrack(s ports.RTPSender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return fmt.Errorf("%w: sender", ErrForeignTrack)
	}
	return t.pc.RemoveTrack(ps.sender)
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (t *pionTransport) OnTrack(fn func(track domain.MediaTrack)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		track := fromTrackRemote(remote)
		t.logger.Infow("remote track received",
			"track_id", remote.ID(),
			"kind", remote.Kind().String(),
			"codec", remote.Codec().MimeType,
		)
		go track.read(remote, t.logger)
		go drainRTCP(receiver)
		fn(track)
	})
}

func (t *pionTransport) Close() error {
	if t.sampler != nil {
		t.sampler.Forget(t.peerID)
	}
	return t.pc.Close()
}

func drainRTCP(r rtcpReader) {
	for {
		if _, _, err := r.ReadRTCP(); err != nil {
			return
		}
	}
}

// pionSender keeps the encoding limits set by the bandwidth adapter and
// enforces them on the local track.
type pionSender struct {
	sender *webrtc.RTPSender
	track  pionTrack

	mu     sync.Mutex
	params domain.EncodingParameters
}

func (s *pionSender) Track() domain.LocalTrack { return s.track }

func (s *pionSender) Parameters() domain.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *pionSender) SetParameters(params domain.EncodingParameters) error {
	if params.MaxFramerate < 0 {
		return fmt.Errorf("invalid max framerate %v", params.MaxFramerate)
	}
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()

	if l, ok := s.track.(encodingLimiter); ok {
		l.SetEncodingLimits(params)
	}
	return nil
}
