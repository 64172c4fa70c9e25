package ports

import (
	"context"

	"carelink/internal/core/domain"
)

// RoomDirectory resolves the canonical main room of a session.
type RoomDirectory interface {
	MainRoom(ctx context.Context, sessionID domain.SessionID) (domain.RoomAddress, error)
}

type RoleLookup interface {
	IsPrivileged(ctx context.Context, participantID domain.ParticipantID) (bool, error)
}

// EventSink receives analytics events in batches.
type EventSink interface {
	Publish(ctx context.Context, events []domain.SessionEvent) error
}
