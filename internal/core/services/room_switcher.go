package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/tracing"

	"go.uber.org/zap"
)

type RoomSwitchConfig struct {
	SwitchTimeout   time.Duration
	RollbackTimeout time.Duration
}

func DefaultRoomSwitchConfig() RoomSwitchConfig {
	return RoomSwitchConfig{
		SwitchTimeout:   20 * time.Second,
		RollbackTimeout: 20 * time.Second,
	}
}

// TierController is the part of the bandwidth adapter a room switch needs
// to carry the quality tier across rooms.
type TierController interface {
	CurrentTier() domain.QualityTier
	ForceAdaptation(tier domain.QualityTier) (bool, error)
}

// RoomSwitcher moves the local participant between the main session room
// and breakout rooms. The old room is always left before the new one is
// joined, and a failed switch falls back to the main room.
type RoomSwitcher struct {
	participantID domain.ParticipantID
	sessionID     domain.SessionID
	displayName   string

	connector   ports.RoomConnector
	credentials ports.CredentialService
	directory   ports.RoomDirectory
	roles       ports.RoleLookup
	tiers       TierController
	tracker     EventTracker
	cfg         RoomSwitchConfig
	logger      *zap.SugaredLogger

	switching atomic.Bool

	mu       sync.RWMutex
	location domain.RoomLocation
}

type RoomSwitcherDeps struct {
	Connector   ports.RoomConnector
	Credentials ports.CredentialService
	Directory   ports.RoomDirectory
	Roles       ports.RoleLookup
	Tiers       TierController
	Tracker     EventTracker
}

func NewRoomSwitcher(
	participantID domain.ParticipantID,
	sessionID domain.SessionID,
	displayName string,
	deps RoomSwitcherDeps,
	cfg RoomSwitchConfig,
	logger *zap.SugaredLogger,
) *RoomSwitcher {
	tracker := deps.Tracker
	if tracker == nil {
		tracker = (*SessionAnalytics)(nil)
	}
	return &RoomSwitcher{
		participantID: participantID,
		sessionID:     sessionID,
		displayName:   displayName,
		connector:     deps.Connector,
		credentials:   deps.Credentials,
		directory:     deps.Directory,
		roles:         deps.Roles,
		tiers:         deps.Tiers,
		tracker:       tracker,
		cfg:           cfg,
		logger:        logger.With("participant_id", participantID, "session_id", sessionID),
	}
}

// CurrentRoom reports where the participant is. The zero location is the
// main session room.
func (r *RoomSwitcher) CurrentRoom() domain.RoomLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.location
}

func (r *RoomSwitcher) IsSwitching() bool {
	return r.switching.Load()
}

// JoinBreakoutRoom moves the participant into a breakout room reachable at
// address. Concurrent switches are rejected with ErrSwitchInProgress. When
// any step fails the participant is returned to the main room and the
// returned error carries both the switch and any rollback failure.
func (r *RoomSwitcher) JoinBreakoutRoom(ctx context.Context, roomID domain.RoomID, roomName, address string) (err error) {
	if !r.switching.CompareAndSwap(false, true) {
		return domain.ErrSwitchInProgress
	}
	defer r.switching.Store(false)

	privileged, err := r.roles.IsPrivileged(ctx, r.participantID)
	if err != nil {
		return fmt.Errorf("role lookup for %s: %w", r.participantID, err)
	}
	if !privileged {
		return fmt.Errorf("%w: %s", domain.ErrNotPrivileged, r.participantID)
	}

	ctx, span := tracing.TraceRoomSwitch(ctx, "join_breakout", string(r.sessionID), string(roomID))
	defer func() { tracing.End(span, err) }()

	from := r.CurrentRoom()
	prevTier := r.currentTier()
	start := time.Now()

	r.logger.Infow("switching to breakout room",
		"from_room", from.RoomID,
		"room_id", roomID,
		"room_name", roomName,
	)

	sctx, cancel := context.WithTimeout(ctx, r.cfg.SwitchTimeout)
	defer cancel()

	target := domain.RoomAddress{RoomID: roomID, Name: roomName, Address: address}
	if switchErr := r.connect(sctx, target); switchErr != nil {
		return r.rollback(ctx, roomID, prevTier, switchErr)
	}

	r.setLocation(domain.RoomLocation{RoomID: roomID, RoomName: roomName})
	r.restoreTier(prevTier)

	tracing.MeasureDuration(ctx, start, "join_breakout")
	r.logger.Infow("joined breakout room",
		"room_id", roomID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	r.tracker.TrackEvent(r.sessionID, domain.EventRoomSwitched, map[string]any{
		"participant_id": string(r.participantID),
		"from_room":      string(from.RoomID),
		"to_room":        string(roomID),
		"room_name":      roomName,
	})
	return nil
}

// ReturnToMainSession reconnects to the session's main room. It is a no-op
// when the participant is already there.
func (r *RoomSwitcher) ReturnToMainSession(ctx context.Context) (err error) {
	if !r.switching.CompareAndSwap(false, true) {
		return domain.ErrSwitchInProgress
	}
	defer r.switching.Store(false)

	from := r.CurrentRoom()
	if from.InMainSession() {
		r.logger.Debugw("already in main session room")
		return nil
	}

	ctx, span := tracing.TraceRoomSwitch(ctx, "return_to_main", string(r.sessionID), string(from.RoomID))
	defer func() { tracing.End(span, err) }()

	prevTier := r.currentTier()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.SwitchTimeout)
	defer cancel()

	if err := r.returnToMain(sctx); err != nil {
		r.tracker.TrackEvent(r.sessionID, domain.EventRoomSwitchFailed, map[string]any{
			"participant_id": string(r.participantID),
			"from_room":      string(from.RoomID),
			"to_room":        "",
			"error":          err.Error(),
		})
		return err
	}

	r.setLocation(domain.RoomLocation{})
	r.restoreTier(prevTier)

	r.logger.Infow("returned to main session room", "from_room", from.RoomID)
	r.tracker.TrackEvent(r.sessionID, domain.EventRoomSwitched, map[string]any{
		"participant_id": string(r.participantID),
		"from_room":      string(from.RoomID),
		"to_room":        "",
	})
	return nil
}

// rollback runs on a context detached from the caller's so an expired
// switch deadline does not also cancel the way back.
func (r *RoomSwitcher) rollback(ctx context.Context, roomID domain.RoomID, prevTier domain.QualityTier, cause error) error {
	r.logger.Warnw("breakout switch failed, returning to main room",
		"room_id", roomID,
		"error", cause,
	)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RollbackTimeout)
	defer cancel()

	rollbackErr := r.returnToMain(rctx)
	r.setLocation(domain.RoomLocation{})
	if rollbackErr != nil {
		r.logger.Errorw("rollback to main room failed", "room_id", roomID, "error", rollbackErr)
	} else {
		r.restoreTier(prevTier)
	}

	r.tracker.TrackEvent(r.sessionID, domain.EventRoomSwitchFailed, map[string]any{
		"participant_id": string(r.participantID),
		"to_room":        string(roomID),
		"rolled_back":    rollbackErr == nil,
		"error":          cause.Error(),
	})

	if rollbackErr != nil {
		return errors.Join(cause, fmt.Errorf("rollback to main room: %w", rollbackErr))
	}
	return cause
}

func (r *RoomSwitcher) returnToMain(ctx context.Context) error {
	main, err := r.directory.MainRoom(ctx, r.sessionID)
	if err != nil {
		return fmt.Errorf("resolve main room of %s: %w", r.sessionID, err)
	}
	return r.connect(ctx, main)
}

// connect leaves the current room, then joins room with a freshly issued
// token.
func (r *RoomSwitcher) connect(ctx context.Context, room domain.RoomAddress) error {
	if err := r.connector.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect before joining %s: %w", room.RoomID, err)
	}

	token, err := r.credentials.FetchRoomToken(ctx, room.RoomID, r.displayName)
	if err != nil {
		return fmt.Errorf("fetch token for %s: %w", room.RoomID, err)
	}
	if token == "" {
		return fmt.Errorf("fetch token for %s: %w", room.RoomID, domain.ErrEmptyCredential)
	}

	target := domain.RoomTarget{Room: room, Token: token, DisplayName: r.displayName}
	if err := r.connector.Connect(ctx, target); err != nil {
		return fmt.Errorf("connect to %s: %w", room.RoomID, err)
	}
	return nil
}

func (r *RoomSwitcher) setLocation(l domain.RoomLocation) {
	r.mu.Lock()
	r.location = l
	r.mu.Unlock()
}

func (r *RoomSwitcher) currentTier() domain.QualityTier {
	if r.tiers == nil {
		return domain.TierHigh
	}
	return r.tiers.CurrentTier()
}

// restoreTier re-applies the tier that was active before the switch to the
// media legs of the new room.
func (r *RoomSwitcher) restoreTier(tier domain.QualityTier) {
	if r.tiers == nil {
		return
	}
	if _, err := r.tiers.ForceAdaptation(tier); err != nil {
		r.logger.Warnw("failed to restore quality tier", "tier", tier, "error", err)
	}
}
