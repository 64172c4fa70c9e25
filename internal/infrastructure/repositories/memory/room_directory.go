package memory

import (
	"context"
	"fmt"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
)

type MemoryRoomDirectory struct {
	rooms map[domain.SessionID]domain.RoomAddress
	mu    sync.RWMutex
}

func NewMemoryRoomDirectory() *MemoryRoomDirectory {
	return &MemoryRoomDirectory{
		rooms: make(map[domain.SessionID]domain.RoomAddress),
	}
}

var _ ports.RoomDirectory = (*MemoryRoomDirectory)(nil)

func (r *MemoryRoomDirectory) SetMainRoom(ctx context.Context, sessionID domain.SessionID, room domain.RoomAddress) error {
	if room.RoomID == "" {
		return fmt.Errorf("main room of session %s needs a room id", sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[sessionID] = room
	return nil
}

func (r *MemoryRoomDirectory) MainRoom(ctx context.Context, sessionID domain.SessionID) (domain.RoomAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[sessionID]
	if !exists {
		return domain.RoomAddress{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrRoomNotFound)
	}
	return room, nil
}
