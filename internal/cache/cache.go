// Package cache stores model responses keyed by request fingerprint.
// Two backends are provided: an in-memory cache with TTL and insertion-order
// eviction, and a Redis cache for sharing across processes.
package cache

import (
	"context"

	"github.com/modelmux/dispatch/pkg/types"
)

// Stats holds cache counters for monitoring. Hit and miss counts are
// monotonic; only Clear resets them.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
}

// Cache is the response cache contract.
type Cache interface {
	// Get retrieves the cached result for the fingerprint.
	// Returns nil, nil on a miss; a miss and an expired entry are
	// indistinguishable to the caller.
	Get(ctx context.Context, fingerprint string) (*types.Result, error)

	// Set stores the result under the fingerprint.
	Set(ctx context.Context, fingerprint string, result *types.Result) error

	// Delete removes the fingerprint from the cache.
	Delete(ctx context.Context, fingerprint string) error

	// Stats returns current cache counters.
	Stats() Stats

	// Clear removes all entries and resets counters.
	Clear(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error
}
