package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	schemaKeyPrefix   = "querychat:schema:"
	turnLockKeyPrefix = "querychat:turnlock:"
)

type Store struct {
	rdb redis.UniversalClient
}

func NewStore(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

func FromClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Client() redis.UniversalClient { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func schemaKey(connectionID string) string { return schemaKeyPrefix + connectionID }

// GetSchema returns ok=false on a miss.
func (s *Store) GetSchema(ctx context.Context, connectionID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, schemaKey(connectionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetSchema(ctx context.Context, connectionID, schema string, ttl time.Duration) error {
	return s.rdb.Set(ctx, schemaKey(connectionID), schema, ttl).Err()
}

func (s *Store) DeleteSchema(ctx context.Context, connectionID string) error {
	return s.rdb.Del(ctx, schemaKey(connectionID)).Err()
}

// releaseLock deletes the lock only while it still holds our token, so an
// expired lock taken over by another turn is left alone.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireTurnLock takes the per-conversation turn lock for at most ttl.
// acquired is false when another turn holds it.
func (s *Store) AcquireTurnLock(ctx context.Context, conversationID string, ttl time.Duration) (func(), bool, error) {
	key := turnLockKeyPrefix + conversationID
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLock.Run(ctx, s.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}
