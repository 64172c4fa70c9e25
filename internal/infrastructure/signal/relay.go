package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"carelink/internal/core/domain"
	rtc "carelink/internal/infrastructure/webrtc"
	"carelink/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenVerifier checks that a bearer token grants participantID access to
// a room.
type TokenVerifier interface {
	VerifyParticipantToken(token string, roomID domain.RoomID, participantID domain.ParticipantID) error
}

type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
	AllowedOrigins    []string
}

// relayFrame is what the relay writes to a connection: either a forwarded
// message or an error for the last message the connection sent.
type relayFrame struct {
	domain.SignalMessage
	Error string `json:"error,omitempty"`
}

func (f relayFrame) message() domain.SignalMessage { return f.SignalMessage }

type relayConn struct {
	id      domain.ParticipantID
	session domain.SessionID
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

// Relay forwards signaling messages between the participants of a session.
// Payloads are checked before forwarding so a peer never receives a
// malformed description or candidate.
type Relay struct {
	cfg      RelayConfig
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[domain.SessionID]map[domain.ParticipantID]*relayConn
}

// NewRelay creates a relay. A nil verifier accepts every connection.
func NewRelay(cfg RelayConfig, verifier TokenVerifier, logger *zap.SugaredLogger) *Relay {
	cc := ClientConfig{
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MessagesPerSecond: cfg.MessagesPerSecond,
		Burst:             cfg.Burst,
		MaxMessageBytes:   cfg.MaxMessageBytes,
	}.withDefaults()
	cfg.PingInterval, cfg.PongTimeout, cfg.WriteTimeout = cc.PingInterval, cc.PongTimeout, cc.WriteTimeout
	cfg.MessagesPerSecond, cfg.Burst, cfg.MaxMessageBytes = cc.MessagesPerSecond, cc.Burst, cc.MaxMessageBytes

	r := &Relay{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		rooms:    make(map[domain.SessionID]map[domain.ParticipantID]*relayConn),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	participantID := domain.ParticipantID(req.URL.Query().Get("participant_id"))
	sessionID := domain.SessionID(req.URL.Query().Get("session_id"))
	if err := errors.Join(
		validation.ValidateParticipantID(string(participantID)),
		validation.ValidateSessionID(string(sessionID)),
	); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.verifier != nil {
		if err := r.verifier.VerifyParticipantToken(bearerToken(req), domain.RoomID(sessionID), participantID); err != nil {
			r.logger.Warnw("signaling connection rejected",
				"participant_id", participantID,
				"session_id", sessionID,
				"error", err,
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(r.cfg.MaxMessageBytes)

	rc := &relayConn{
		id:      participantID,
		session: sessionID,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst),
	}
	reconnect := r.register(rc)
	r.logger.Infow("participant connected",
		"participant_id", participantID,
		"session_id", sessionID,
		"reconnect", reconnect,
	)

	r.serve(rc)

	if r.unregister(rc) {
		r.broadcast(rc, domain.SignalMessage{Type: domain.SignalLeave, SenderID: rc.id, SessionID: rc.session})
	}
	r.logger.Infow("participant disconnected", "participant_id", participantID, "session_id", sessionID)
}

func bearerToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return req.URL.Query().Get("token")
}

// register adds rc, closing any earlier connection of the same participant.
func (r *Relay) register(rc *relayConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[rc.session]
	if !ok {
		room = make(map[domain.ParticipantID]*relayConn)
		r.rooms[rc.session] = room
	}
	old, reconnect := room[rc.id]
	if reconnect {
		_ = old.conn.Close()
	}
	room[rc.id] = rc
	return reconnect
}

// unregister removes rc unless it was already replaced by a reconnect.
func (r *Relay) unregister(rc *relayConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[rc.session]
	if room[rc.id] != rc {
		return false
	}
	delete(room, rc.id)
	if len(room) == 0 {
		delete(r.rooms, rc.session)
	}
	return true
}

func (r *Relay) serve(rc *relayConn) {
	defer rc.conn.Close()

	_ = rc.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	messages := make(chan domain.SignalMessage, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(messages)
		for {
			var msg domain.SignalMessage
			if err := rc.conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			_ = rc.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
			select {
			case messages <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if err := r.handle(rc, msg); err != nil {
				r.logger.Infow("signaling message rejected",
					"participant_id", rc.id,
					"type", msg.Type,
					"error", err,
				)
				_ = r.write(rc, relayFrame{Error: err.Error()})
			}

		case <-pingTicker.C:
			rc.writeMu.Lock()
			_ = rc.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			err := rc.conn.WriteMessage(websocket.PingMessage, nil)
			rc.writeMu.Unlock()
			if err != nil {
				r.logger.Infow("ping failed", "participant_id", rc.id, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Infow("signaling read failed", "participant_id", rc.id, "error", err)
			}
			return
		}
	}
}

func (r *Relay) handle(rc *relayConn, msg domain.SignalMessage) error {
	if !rc.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	if msg.SenderID == "" {
		msg.SenderID = rc.id
	}
	if msg.SenderID != rc.id {
		return fmt.Errorf("sender_id mismatch: expected %s, got %s", rc.id, msg.SenderID)
	}
	if msg.SessionID == "" {
		msg.SessionID = rc.session
	}
	if msg.SessionID != rc.session {
		return fmt.Errorf("session_id mismatch: expected %s, got %s", rc.session, msg.SessionID)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ValidatePayload(msg); err != nil {
		return err
	}

	if msg.TargetID == "" {
		r.broadcast(rc, msg)
		return nil
	}
	target, ok := r.lookup(rc.session, msg.TargetID)
	if !ok {
		return fmt.Errorf("participant %s is not connected", msg.TargetID)
	}
	return r.write(target, relayFrame{SignalMessage: msg})
}

// ValidatePayload checks offer and answer descriptions and candidate
// strings of a message.
func ValidatePayload(msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.SignalOffer, domain.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidSignal, err)
		}
		want := webrtc.SDPTypeOffer
		if msg.Type == domain.SignalAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if err := rtc.ValidateDescription(desc, want); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidSignal, err)
		}
	case domain.SignalCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &init); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidSignal, err)
		}
		// empty candidate marks end of candidates
		if init.Candidate == "" {
			return nil
		}
		if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(init.Candidate, "candidate:")); err != nil {
			return fmt.Errorf("%w: candidate: %w", domain.ErrInvalidSignal, err)
		}
	}
	return nil
}

func (r *Relay) lookup(session domain.SessionID, id domain.ParticipantID) (*relayConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.rooms[session][id]
	return rc, ok
}

func (r *Relay) broadcast(from *relayConn, msg domain.SignalMessage) {
	r.mu.RLock()
	targets := make([]*relayConn, 0, len(r.rooms[from.session]))
	for id, rc := range r.rooms[from.session] {
		if id != from.id {
			targets = append(targets, rc)
		}
	}
	r.mu.RUnlock()

	for _, rc := range targets {
		if err := r.write(rc, relayFrame{SignalMessage: msg}); err != nil {
			r.logger.Infow("broadcast failed", "participant_id", rc.id, "error", err)
		}
	}
}

func (r *Relay) write(rc *relayConn, frame relayFrame) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if err := rc.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}
	return rc.conn.WriteJSON(frame)
}

// Participants lists who is connected to a session.
func (r *Relay) Participants(session domain.SessionID) []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.ParticipantID, 0, len(r.rooms[session]))
	for id := range r.rooms[session] {
		ids = append(ids, id)
	}
	return ids
}

// Connections is the number of open connections across all sessions.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}
