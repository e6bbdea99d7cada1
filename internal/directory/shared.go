package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by [SharedStore.Lock] when another replica is
// already refreshing the building.
var ErrLockHeld = errors.New("directory: refresh lock held elsewhere")

// SharedStore is a cache tier shared by every replica of the service.
// Failures are never fatal to [Cache]: it logs them and falls back to the
// remote service.
type SharedStore interface {
	// Load returns the stored directory, or (nil, nil) when there is none.
	Load(ctx context.Context, buildingID int) (*Directory, error)
	// Save stores dir for ttl.
	Save(ctx context.Context, dir *Directory, ttl time.Duration) error
	// Delete removes the stored directory.
	Delete(ctx context.Context, buildingID int) error
	// Lock claims the right to refresh buildingID for at most ttl. It
	// returns [ErrLockHeld] when another replica holds the claim.
	Lock(ctx context.Context, buildingID int, ttl time.Duration) (release func(), err error)
}

// RedisStore is a [SharedStore] backed by Redis. Directories are stored as
// JSON; refresh claims use redislock.
type RedisStore struct {
	client redis.UniversalClient
	locker *redislock.Client
	prefix string
}

var _ SharedStore = (*RedisStore)(nil)

// NewRedisStore creates a [RedisStore] whose keys start with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "visitorparse"
	}
	return &RedisStore{
		client: client,
		locker: redislock.New(client),
		prefix: prefix,
	}
}

func (s *RedisStore) key(buildingID int) string {
	return fmt.Sprintf("%s:directory:%d", s.prefix, buildingID)
}

// Load implements [SharedStore].
func (s *RedisStore) Load(ctx context.Context, buildingID int) (*Directory, error) {
	raw, err := s.client.Get(ctx, s.key(buildingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: redis get: %w", err)
	}
	var dir Directory
	if err := json.Unmarshal(raw, &dir); err != nil {
		return nil, fmt.Errorf("directory: decode shared entry: %w", err)
	}
	if dir.BuildingID != buildingID {
		return nil, fmt.Errorf("directory: shared entry for building %d holds building %d", buildingID, dir.BuildingID)
	}
	return &dir, nil
}

// Save implements [SharedStore].
func (s *RedisStore) Save(ctx context.Context, dir *Directory, ttl time.Duration) error {
	raw, err := json.Marshal(dir)
	if err != nil {
		return fmt.Errorf("directory: encode shared entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(dir.BuildingID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("directory: redis set: %w", err)
	}
	return nil
}

// Delete implements [SharedStore].
func (s *RedisStore) Delete(ctx context.Context, buildingID int) error {
	if err := s.client.Del(ctx, s.key(buildingID)).Err(); err != nil {
		return fmt.Errorf("directory: redis del: %w", err)
	}
	return nil
}

// Lock implements [SharedStore].
func (s *RedisStore) Lock(ctx context.Context, buildingID int, ttl time.Duration) (func(), error) {
	key := s.key(buildingID) + ":lock"
	lock, err := s.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("directory: obtain lock: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			slog.Warn("directory: release lock failed", "key", key, "err", err)
		}
	}, nil
}
