package redis

import (
	"context"
	"errors"
	"fmt"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoleStore keeps participant roles in a hash. Which roles are
// privileged is itself data, seeded by the first migration.
type RedisRoleStore struct {
	client *redis.Client
}

var _ ports.RoleLookup = (*RedisRoleStore)(nil)

func NewRedisRoleStore(client *redis.Client) *RedisRoleStore {
	return &RedisRoleStore{client: client}
}

func (r *RedisRoleStore) SetRole(ctx context.Context, participantID domain.ParticipantID, role domain.Role) error {
	if err := r.client.HSet(ctx, participantRoleKey, string(participantID), string(role)).Err(); err != nil {
		return fmt.Errorf("failed to set role in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoleStore) IsPrivileged(ctx context.Context, participantID domain.ParticipantID) (bool, error) {
	role, err := r.client.HGet(ctx, participantRoleKey, string(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get role from Redis: %w", err)
	}

	privileged, err := r.client.SIsMember(ctx, privilegedRolesKey, role).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check role %s: %w", role, err)
	}
	return privileged, nil
}
