package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/internal/core/services"
	httphandlers "carelink/internal/handlers/http"
	"carelink/internal/infrastructure/credentials"
	"carelink/internal/infrastructure/distributed"
	"carelink/internal/infrastructure/middleware"
	"carelink/internal/infrastructure/monitoring"
	"carelink/internal/infrastructure/reliability"
	"carelink/internal/infrastructure/repositories"
	signaling "carelink/internal/infrastructure/signal"
	rtc "carelink/internal/infrastructure/webrtc"
	"carelink/pkg/circuitbreaker"
	"carelink/pkg/config"
	leases "carelink/pkg/distributed"
	"carelink/pkg/logger"
	"carelink/pkg/retry"
	"carelink/pkg/tracing"
	"carelink/pkg/utils"
	"carelink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var (
	errNotConnected = errors.New("not connected to a room")
	errLeaseLost    = errors.New("participant lease lost to another agent")
)

const participantLeaseTTL = 15 * time.Second

type runOptions struct {
	sessionID     string
	participantID string
	displayName   string
	role          string
	mainRoomID    string
	mainAddress   string
	call          []string
	serveRelay    bool
}

// agent is the composition root of a session agent process.
type agent struct {
	cfg         *config.Config
	opts        runOptions
	log         *zap.SugaredLogger
	sessionID   domain.SessionID
	localID     domain.ParticipantID
	displayName string

	tracer     *tracing.TracerProvider
	repos      *repositories.RepositoryFactory
	directory  ports.RoomDirectory
	roles      ports.RoleLookup
	analytics  *services.SessionAnalytics
	tracker    services.EventTracker
	bus        *distributed.EventBus
	registry   *prometheus.Registry
	issuer     *credentials.TokenIssuer
	creds      ports.CredentialService
	breaker    *reliability.CredentialServiceWrapper
	sampler    *rtc.QualitySampler
	manager    *services.ConnectionManager
	adapter    *services.BandwidthAdapter
	quality    *services.PeerQualityAggregator
	rooms      *signaling.RoomClient
	switcher   *services.RoomSwitcher
	relay      *signaling.Relay
	health     *monitoring.HealthChecker
	router     *gin.Engine
	lease      *leases.Lease
	mainRoomID domain.RoomID
}

func newAgent(ctx context.Context, cfg *config.Config, opts runOptions, zl *zap.Logger) (*agent, error) {
	a := &agent{
		cfg:         cfg,
		opts:        opts,
		sessionID:   domain.SessionID(opts.sessionID),
		localID:     domain.ParticipantID(opts.participantID),
		displayName: utils.SanitizeString(opts.displayName),
	}
	if err := validation.ValidateSessionID(string(a.sessionID)); err != nil {
		return nil, err
	}
	if a.localID == "" {
		a.localID = domain.ParticipantID(utils.NewParticipantID())
	} else if err := validation.ValidateParticipantID(string(a.localID)); err != nil {
		return nil, err
	}
	if a.displayName == "" {
		a.displayName = utils.DefaultDisplayName()
	} else if err := validation.ValidateDisplayName(a.displayName); err != nil {
		return nil, err
	}
	a.log = zl.Sugar().With("session_id", a.sessionID, "participant_id", a.localID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	if err := a.buildRepositories(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.buildAnalytics()
	a.buildCredentials()
	if err := a.buildMedia(); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.buildHTTP(logger.NewContextLogger(zl))
	return a, nil
}

func (a *agent) buildRepositories(ctx context.Context) error {
	a.repos = repositories.NewRepositoryFactory(a.cfg, a.log)

	directory := a.repos.CreateRoomDirectory()
	if a.opts.mainRoomID != "" {
		main := domain.RoomAddress{
			RoomID:  domain.RoomID(a.opts.mainRoomID),
			Name:    "main",
			Address: a.opts.mainAddress,
		}
		if err := directory.SetMainRoom(ctx, a.sessionID, main); err != nil {
			return fmt.Errorf("register main room: %w", err)
		}
	}
	a.directory = directory

	role, err := domain.ParseRole(a.opts.role)
	if err != nil {
		return err
	}
	roles := a.repos.CreateRoleLookup()
	if err := roles.SetRole(ctx, a.localID, role); err != nil {
		return fmt.Errorf("register role: %w", err)
	}
	a.roles = roles
	return nil
}

func (a *agent) buildAnalytics() {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if !a.cfg.Analytics.Enabled {
		return
	}

	var sinks services.MultiSink
	if a.cfg.Monitoring.PrometheusEnabled {
		sinks = append(sinks, monitoring.NewPrometheusCollector(a.registry))
	}
	if client := a.repos.RedisClient(); client != nil {
		a.bus = distributed.NewEventBus(client, string(a.localID), a.cfg.Analytics.RedisChannel, a.log)
		sinks = append(sinks, a.bus)
	}
	if len(sinks) == 0 {
		return
	}

	a.analytics = services.NewSessionAnalytics(sinks, services.AnalyticsConfig{
		BatchSize:     a.cfg.Analytics.BatchSize,
		FlushInterval: a.cfg.Analytics.FlushInterval,
	}, a.log)
	a.tracker = a.analytics
}

func (a *agent) buildCredentials() {
	cc := a.cfg.Credentials
	// signaling tokens are bound to the local participant
	a.issuer = credentials.NewTokenIssuer(cc.JWTSecret, cc.TokenTTL).ForParticipant(a.localID)

	var base ports.CredentialService = a.issuer
	if cc.Mode == "http" {
		base = credentials.NewHTTPTokenClient(cc.Endpoint, 10*time.Second, a.log).ForParticipant(a.localID)
	}
	if !cc.Retry.Enabled && !cc.CircuitBreaker.Enabled {
		a.creds = base
		return
	}

	rc := retry.DefaultConfig()
	rc.Enabled = cc.Retry.Enabled
	if cc.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cc.Retry.MaxAttempts
	}
	if cc.Retry.InitialDelay > 0 {
		rc.InitialDelay = cc.Retry.InitialDelay
	}
	if cc.Retry.MaxDelay > 0 {
		rc.MaxDelay = cc.Retry.MaxDelay
	}

	cb := circuitbreaker.DefaultConfig()
	if cc.CircuitBreaker.Enabled {
		cb.FailureThreshold = cc.CircuitBreaker.FailureThreshold
		if cc.CircuitBreaker.SuccessThreshold > 0 {
			cb.SuccessThreshold = cc.CircuitBreaker.SuccessThreshold
		}
		if cc.CircuitBreaker.Timeout > 0 {
			cb.Timeout = cc.CircuitBreaker.Timeout
		}
	} else {
		// never trips
		cb.FailureThreshold = int(^uint(0) >> 1)
	}

	a.breaker = reliability.NewCredentialServiceWrapper(base, rc, cb, a.log)
	a.creds = a.breaker
}

func (a *agent) buildMedia() error {
	iceServers, err := rtc.ICEServers(a.cfg.WebRTC.ICEServers, time.Now())
	if err != nil {
		return err
	}

	a.sampler = rtc.NewQualitySampler(a.cfg.Session.QualitySampleInterval, func(s domain.QualitySample) {
		a.manager.RecordQualitySample(s)
	}, a.log)

	factory, err := rtc.NewPionTransportFactory(rtc.TransportConfig{
		ICEServers: iceServers,
		PortMin:    a.cfg.WebRTC.PortRange.Min,
		PortMax:    a.cfg.WebRTC.PortRange.Max,
	}, a.sampler, a.log)
	if err != nil {
		return err
	}

	a.rooms = signaling.NewRoomClient(a.dial, signaling.RoomHooks{
		Joined:  a.joined,
		Leaving: a.leaving,
	}, a.log)

	mcfg := services.DefaultManagerConfig()
	mcfg.Peer.MaxReconnectAttempts = a.cfg.Session.MaxReconnectAttempts
	mcfg.Peer.ReconnectTimeout = a.cfg.Session.ReconnectTimeout
	mcfg.QualityHistorySize = a.cfg.Session.QualityHistorySize
	mcfg.NegotiationTimeout = a.cfg.Session.NegotiationTimeout
	mcfg.AnalyticsSessionID = a.sessionID

	monitor := services.NewStreamMonitor(services.NewStreamValidator(), a.log)
	a.manager = services.NewConnectionManager(factory, a.rooms, a.tracker, monitor, mcfg, a.log)
	a.adapter = services.NewBandwidthAdapter(a.manager, a.log)

	// a peer missing three samples no longer holds the tier down
	a.quality = services.NewPeerQualityAggregator(3 * a.cfg.Session.QualitySampleInterval)
	a.manager.OnQualitySample(func(s domain.QualitySample) {
		score := a.quality.Observe(s)
		if _, err := a.adapter.AdaptToNetworkQuality(score); err != nil {
			a.log.Debugw("quality sample ignored", "peer_id", s.PeerID, "session_score", score, "error", err)
		}
	})
	a.manager.OnTracksAttached(func() { a.adapter.Reapply() })
	a.manager.OnRemoteTrack(func(peerID domain.ParticipantID, stream *domain.MediaStream, _ domain.MediaTrack) {
		sink := rtc.NewRenderSink(rtc.DefaultStaleAfter)
		sink.Attach(stream)
		a.manager.SetRenderTarget(peerID, sink)
	})
	a.manager.OnPeerFailed(func(peerID domain.ParticipantID) {
		a.log.Warnw("peer failed, retry through the control API", "peer_id", peerID)
	})
	a.adapter.OnTierChange(func(from, to domain.QualityTier) {
		if a.tracker != nil {
			a.tracker.TrackEvent(a.sessionID, domain.EventQualityChanged, map[string]any{
				"from": string(from),
				"tier": string(to),
			})
		}
	})

	a.rooms.SetHandler(func(ctx context.Context, msg domain.SignalMessage) {
		if err := a.manager.HandleSignalingMessage(ctx, msg); err != nil {
			a.log.Warnw("signaling message not handled",
				"type", msg.Type,
				"sender_id", msg.SenderID,
				"error", err,
			)
		}
	})

	a.switcher = services.NewRoomSwitcher(a.localID, a.sessionID, a.displayName, services.RoomSwitcherDeps{
		Connector:   a.rooms,
		Credentials: a.creds,
		Directory:   a.directory,
		Roles:       a.roles,
		Tiers:       a.adapter,
		Tracker:     a.tracker,
	}, services.RoomSwitchConfig{
		SwitchTimeout:   a.cfg.RoomSwitch.SwitchTimeout,
		RollbackTimeout: a.cfg.RoomSwitch.RollbackTimeout,
	}, a.log)
	return nil
}

// dial opens the signaling channel of a room. Each room is its own
// signaling scope, so the room id goes on the wire as the session id.
func (a *agent) dial(ctx context.Context, target domain.RoomTarget) (ports.SignalingChannel, error) {
	sc := a.cfg.Signal
	scope := domain.SessionID(target.Room.RoomID)

	if sc.Transport == "mqtt" {
		ch, err := signaling.DialMQTT(signaling.MQTTConfig{
			Broker:            sc.MQTTBroker,
			TopicPrefix:       sc.MQTTTopicPrefix,
			ParticipantID:     a.localID,
			SessionID:         scope,
			Token:             target.Token,
			WriteTimeout:      sc.WriteTimeout,
			MessagesPerSecond: sc.MessagesPerSecond,
			Burst:             sc.Burst,
		}, a.log)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	url := target.Room.Address
	if url == "" {
		url = sc.URL
	}
	client, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:               url,
		ParticipantID:     a.localID,
		SessionID:         scope,
		Token:             target.Token,
		PingInterval:      sc.PingInterval,
		PongTimeout:       sc.PongTimeout,
		WriteTimeout:      sc.WriteTimeout,
		MessagesPerSecond: sc.MessagesPerSecond,
		Burst:             sc.Burst,
		MaxMessageBytes:   sc.MaxMessageBytes,
	}, a.log)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// joined starts the media session of a room with fresh local tracks. The
// previous room's tracks were stopped when it was left.
func (a *agent) joined(ctx context.Context, room domain.RoomAddress) error {
	local, err := newLocalStream(a.localID)
	if err != nil {
		return err
	}
	if err := a.manager.JoinSession(ctx, domain.SessionID(room.RoomID), a.localID, local); err != nil {
		local.Stop()
		return err
	}

	for _, id := range a.opts.call {
		peerID := domain.ParticipantID(id)
		if peerID == a.localID {
			continue
		}
		if err := a.manager.ConnectToPeer(ctx, peerID); err != nil {
			a.log.Warnw("offer to peer failed", "peer_id", peerID, "room_id", room.RoomID, "error", err)
		}
	}
	return nil
}

func (a *agent) leaving(ctx context.Context) error {
	a.quality.Reset()
	return a.manager.LeaveSession(ctx)
}

func newLocalStream(owner domain.ParticipantID) (*domain.MediaStream, error) {
	streamID := utils.NewStreamID()
	audio, err := rtc.NewLocalMediaTrack(domain.TrackKindAudio, utils.GenerateID("audio"), streamID)
	if err != nil {
		return nil, err
	}
	video, err := rtc.NewLocalMediaTrack(domain.TrackKindVideo, utils.GenerateID("video"), streamID)
	if err != nil {
		return nil, err
	}
	return domain.NewLocalStream(domain.StreamID(streamID), owner, audio, video), nil
}

func (a *agent) buildHTTP(ctxLog *logger.ContextLogger) {
	a.health = monitoring.NewHealthChecker()
	a.health.AddRedisCheck(a.repos.RedisClient(), 2*time.Second)
	a.health.AddCheck("signaling", func(context.Context) error {
		if _, ok := a.rooms.Room(); !ok {
			return errNotConnected
		}
		return nil
	}, time.Second)
	if a.breaker != nil {
		a.health.AddCheck("credentials", func(context.Context) error {
			if stats := a.breaker.BreakerStats(); stats.State == circuitbreaker.StateOpen {
				return fmt.Errorf("%w since %s", circuitbreaker.ErrOpen, stats.StateChangeTime.Format(time.RFC3339))
			}
			return nil
		}, time.Second)
	}

	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	rl := a.cfg.Server.RateLimit
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(ctxLog),
		middleware.TracingMiddleware(),
		middleware.SessionContextMiddleware(string(a.sessionID), string(a.localID)),
		middleware.NewHTTPRateLimitMiddleware(middleware.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
			MaxConcurrent:     rl.MaxConcurrent,
			Key:               middleware.ClientIPKey,
		}),
		middleware.ErrorHandlerMiddleware(ctxLog),
	)

	var gatherer prometheus.Gatherer
	if a.cfg.Monitoring.PrometheusEnabled {
		gatherer = a.registry
	}
	httphandlers.NewHealthHandler(a.health, gatherer).SetupRoutes(router)

	auth := middleware.RoomAuthMiddleware(a.issuer, func() domain.RoomID { return a.mainRoomID })
	// each credential is bounded on its own as well as by its address
	perCaller := middleware.NewHTTPRateLimitMiddleware(middleware.RateLimitConfig{
		Enabled:           rl.Enabled,
		RequestsPerSecond: rl.RequestsPerSecond,
		Burst:             rl.Burst,
		Key:               middleware.CallerKey,
	})
	httphandlers.NewSessionHandler(a.switcher, a.manager, a.adapter).SetupRoutes(router, auth, perCaller)

	if a.opts.serveRelay {
		a.relay = signaling.NewRelay(signaling.RelayConfig{
			PingInterval:      a.cfg.Signal.PingInterval,
			PongTimeout:       a.cfg.Signal.PongTimeout,
			WriteTimeout:      a.cfg.Signal.WriteTimeout,
			MessagesPerSecond: a.cfg.Signal.MessagesPerSecond,
			Burst:             a.cfg.Signal.Burst,
			MaxMessageBytes:   a.cfg.Signal.MaxMessageBytes,
		}, a.issuer, a.log)
		router.GET("/signal", gin.WrapH(a.relay))
	}
	a.router = router
}

// joinMain connects to the session's main room.
func (a *agent) joinMain(ctx context.Context) error {
	main, err := a.directory.MainRoom(ctx, a.sessionID)
	if err != nil {
		return fmt.Errorf("resolve main room: %w", err)
	}
	a.mainRoomID = main.RoomID

	token, err := a.creds.FetchRoomToken(ctx, main.RoomID, a.displayName)
	if err != nil {
		return fmt.Errorf("fetch token for %s: %w", main.RoomID, err)
	}
	if token == "" {
		return domain.ErrEmptyCredential
	}
	return a.rooms.Connect(ctx, domain.RoomTarget{Room: main, Token: token, DisplayName: a.displayName})
}

// claimParticipant makes sure no other agent acts as the same participant
// in the session. It needs redis and is skipped without it.
func (a *agent) claimParticipant(ctx context.Context) error {
	client := a.repos.RedisClient()
	if client == nil {
		return nil
	}
	key := fmt.Sprintf("carelink:participant:%s:%s", a.sessionID, a.localID)
	lease := leases.NewLease(client, key, participantLeaseTTL)
	if err := lease.Acquire(ctx); err != nil {
		return fmt.Errorf("claim participant %s: %w", a.localID, err)
	}
	a.lease = lease
	return nil
}

func (a *agent) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Address,
		Handler:      a.router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Infow("serving agent http", "address", a.cfg.Server.Address, "relay", a.relay != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	if err := a.claimParticipant(ctx); err != nil {
		runErr = err
	} else if err := a.joinMain(ctx); err != nil {
		runErr = fmt.Errorf("join session %s: %w", a.sessionID, err)
	} else {
		a.log.Infow("session agent joined", "display_name", a.displayName, "room_id", a.mainRoomID)
		var lost <-chan struct{}
		if a.lease != nil {
			lost = a.lease.Lost()
		}
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			runErr = err
		case <-lost:
			runErr = errLeaseLost
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.rooms.Disconnect(shutdownCtx); err != nil {
		a.log.Warnw("leaving room failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warnw("http shutdown failed", "error", err)
	}
	a.close(shutdownCtx)
	a.log.Infow("session agent stopped")
	return runErr
}

func (a *agent) close(ctx context.Context) {
	if a.lease != nil {
		if err := a.lease.Release(ctx); err != nil {
			a.log.Warnw("releasing participant lease failed", "error", err)
		}
	}
	if a.analytics != nil {
		a.analytics.Close(ctx)
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.repos != nil {
		if err := a.repos.Close(); err != nil {
			a.log.Warnw("closing repositories failed", "error", err)
		}
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
}
