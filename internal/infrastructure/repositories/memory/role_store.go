package memory

import (
	"context"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
)

// MemoryRoleStore keeps participant roles in memory. Unknown participants
// are not privileged.
type MemoryRoleStore struct {
	roles map[domain.ParticipantID]domain.Role
	mu    sync.RWMutex
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{
		roles: make(map[domain.ParticipantID]domain.Role),
	}
}

var _ ports.RoleLookup = (*MemoryRoleStore)(nil)

func (r *MemoryRoleStore) SetRole(ctx context.Context, participantID domain.ParticipantID, role domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[participantID] = role
	return nil
}

func (r *MemoryRoleStore) IsPrivileged(ctx context.Context, participantID domain.ParticipantID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[participantID].Privileged(), nil
}
