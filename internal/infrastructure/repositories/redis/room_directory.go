package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/cache"

	"github.com/redis/go-redis/v9"
)

// RedisRoomDirectory stores the main room of each session. Lookups are
// cached for ttl because every room switch resolves the main room.
type RedisRoomDirectory struct {
	client *redis.Client
	cache  *cache.Cache[domain.RoomAddress]
}

var _ ports.RoomDirectory = (*RedisRoomDirectory)(nil)

func NewRedisRoomDirectory(client *redis.Client, ttl time.Duration) *RedisRoomDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRoomDirectory{
		client: client,
		cache:  cache.New[domain.RoomAddress](ttl),
	}
}

func (r *RedisRoomDirectory) SetMainRoom(ctx context.Context, sessionID domain.SessionID, room domain.RoomAddress) error {
	if room.RoomID == "" {
		return fmt.Errorf("main room of session %s needs a room id", sessionID)
	}
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	key := mainRoomKey(sessionID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set main room in Redis: %w", err)
	}
	r.cache.Delete(key)
	return nil
}

func (r *RedisRoomDirectory) MainRoom(ctx context.Context, sessionID domain.SessionID) (domain.RoomAddress, error) {
	key := mainRoomKey(sessionID)
	return r.cache.GetOrLoad(ctx, key, func(ctx context.Context) (domain.RoomAddress, error) {
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.RoomAddress{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrRoomNotFound)
		}
		if err != nil {
			return domain.RoomAddress{}, fmt.Errorf("failed to get main room from Redis: %w", err)
		}

		var room domain.RoomAddress
		if err := json.Unmarshal(data, &room); err != nil {
			return domain.RoomAddress{}, fmt.Errorf("failed to unmarshal room: %w", err)
		}
		return room, nil
	})
}

// Close stops the cache cleanup goroutine.
func (r *RedisRoomDirectory) Close() {
	r.cache.Stop()
}
