package repositories

import (
	"context"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/internal/infrastructure/repositories/memory"
	redisrepo "carelink/internal/infrastructure/repositories/redis"
	"carelink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger

	directory *redisrepo.RedisRoomDirectory
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// memory repositories when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

// RoomStore is a room directory that can also be written.
type RoomStore interface {
	ports.RoomDirectory
	SetMainRoom(ctx context.Context, sessionID domain.SessionID, room domain.RoomAddress) error
}

// RoleStore is a role lookup that can also be written.
type RoleStore interface {
	ports.RoleLookup
	SetRole(ctx context.Context, participantID domain.ParticipantID, role domain.Role) error
}

func (f *RepositoryFactory) CreateRoomDirectory() RoomStore {
	if f.useRedis && f.redisClient != nil {
		if f.directory == nil {
			f.directory = redisrepo.NewRedisRoomDirectory(f.redisClient, f.cfg.Redis.CacheTTL)
		}
		return f.directory
	}
	return memory.NewMemoryRoomDirectory()
}

func (f *RepositoryFactory) CreateRoleLookup() RoleStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRoleStore(f.redisClient)
	}
	return memory.NewMemoryRoleStore()
}

// RedisClient is nil when running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.directory != nil {
		f.directory.Close()
	}
	return redisrepo.CloseRedisClient(f.redisClient)
}
