package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCacheMiss  = errors.New("cache: key not found")
	ErrNotInteger = errors.New("cache: value is not an integer")
)

// Store is the key/value surface shared by the memory, Redis and layered
// backends. Keys are plain strings; backends add their own namespace.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// Get decodes the value into dest, or returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern accepts a glob pattern such as "retrieval:*".
	DeleteByPattern(ctx context.Context, pattern string) error
	// Increment is an atomic INCR; missing keys start at zero.
	Increment(ctx context.Context, key string) (int64, error)
	// TryLock sets key only if absent. It reports whether the caller won.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// encode serializes values the same way for every backend so that Get
// behaves identically on memory and Redis.
func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal cache value: %w", err)
		}
		return b, nil
	}
}

func decode(data []byte, dest interface{}) error {
	switch d := dest.(type) {
	case *string:
		*d = string(data)
		return nil
	case *[]byte:
		*d = append((*d)[:0], data...)
		return nil
	default:
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("unmarshal cache value: %w", err)
		}
		return nil
	}
}
