// Package cache provides the byte-level cache backends and the
// last-known-good snapshot store used for fallback synthesis.
package cache

import (
	"context"
	"time"
)

// Cache is the interface all backends implement. Get returns (nil, nil)
// on a miss or an expired entry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
