// Package cache defines the key/value cache used to avoid refetching source
// data within its freshness window.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrInvalidValue = errors.New("invalid value for cache")
	ErrClosed       = errors.New("cache is closed")
	ErrInvalidKey   = errors.New("invalid cache key")
)

// Cache stores values as bytes. Set accepts strings, byte slices and
// encoding.BinaryMarshaler values; Get fills *string, *[]byte or an
// encoding.BinaryUnmarshaler.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Get(ctx context.Context, key string, value interface{}) error

	Delete(ctx context.Context, key string) error

	Clear(ctx context.Context) error

	Close() error
}

type Options struct {
	DefaultTTL time.Duration

	CleanupInterval time.Duration

	RedisAddr string

	RedisPassword string

	RedisDB int

	// KeyPrefix namespaces every key so a shared Redis database can host
	// several deployments.
	KeyPrefix string
}

func DefaultOptions() Options {
	return Options{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: time.Minute * 5,
		KeyPrefix:       "gigwatch:",
	}
}
