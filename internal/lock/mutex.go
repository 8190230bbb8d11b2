package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/gokatarajesh/pollquiz/internal/kv"
)

// Mutex hands out short-lived, never-released tokens. A token that was
// acquired stays held until its TTL runs out, which is what the advancement
// protocol needs: "this question was already advanced" must outlive the
// goroutine that advanced it.
type Mutex interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// StoreMutex implements Mutex on any kv.Store through SetIfAbsent.
type StoreMutex struct {
	store kv.Store
}

// NewStoreMutex wraps a kv store.
func NewStoreMutex(store kv.Store) *StoreMutex {
	return &StoreMutex{store: store}
}

func (m *StoreMutex) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := m.store.SetIfAbsent(ctx, key, []byte("1"), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Redsync implements Mutex with the Redlock algorithm so the engine can run
// as several processes sharing one Redis.
type Redsync struct {
	rs *redsync.Redsync
}

// NewRedsync builds a Redsync mutex over a go-redis client.
func NewRedsync(client *redis.Client) *Redsync {
	return &Redsync{rs: redsync.New(goredis.NewPool(client))}
}

func (m *Redsync) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mutex := m.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	err := mutex.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}

	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return false, nil
	}
	return false, fmt.Errorf("acquire %s: %w", key, err)
}
