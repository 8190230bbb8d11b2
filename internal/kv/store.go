package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned by Update when the optimistic transaction kept losing races.
	ErrConflict = errors.New("kv: concurrent update conflict")
)

// Store is the ephemeral key/value contract used for session snapshots, poll
// mappings, idempotency markers and locks. Every write takes a TTL; a zero TTL
// means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent writes value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Update runs fn against the current value (nil when absent) and stores the
	// result atomically. If fn returns an error nothing is written and the error
	// is returned unchanged.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// AddToSet adds member to the set at key and returns whether it was new
	// together with the set size after the add.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) (bool, int64, error)
	Members(ctx context.Context, key string) ([]string, error)
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON decodes the value at key into T. It returns nil, nil when the key is missing.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// SetJSON encodes v and stores it under key with ttl.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// SetJSONIfAbsent is SetIfAbsent for a JSON encoded value.
func SetJSONIfAbsent(ctx context.Context, s Store, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.SetIfAbsent(ctx, key, data, ttl)
}

// UpdateJSON applies fn to the decoded value under key inside Store.Update.
// fn receives nil when the key is absent. The stored result is returned.
func UpdateJSON[T any](ctx context.Context, s Store, key string, ttl time.Duration, fn func(v *T) error) (*T, error) {
	var out *T
	err := s.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		var v *T
		if current != nil {
			v = new(T)
			if err := json.Unmarshal(current, v); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", key, err)
			}
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		if v == nil {
			return nil, ErrNotFound
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		out = v
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
