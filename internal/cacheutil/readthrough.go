package cacheutil

import (
	"sync"
	"time"
)

// CachedValue represents a cached value with its fetch timestamp.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// Fresh reports whether the value was fetched within ttl of now.
func (c CachedValue[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.FetchedAt) < ttl
}

// ReadThrough implements a thread-safe read-through cache with race condition
// protection. It uses double-checked locking with re-validation so concurrent
// misses on the same key trigger a single upstream fetch.
//
// Parameters:
//   - mu: RWMutex protecting cache access
//   - checkCache: checks whether a valid cached value exists (called under RLock)
//   - fetchAndCache: fetches and caches a new value (called under Lock)
//
// Usage:
//
//	func (c *Client) GetListing(ctx context.Context, id string) (Listing, error) {
//	    return cacheutil.ReadThrough(
//	        &c.cacheMu,
//	        func(now time.Time) (Listing, bool) {
//	            if entry, ok := c.listingCache[id]; ok && entry.Fresh(now, c.cacheTTL) {
//	                return entry.Value, true
//	            }
//	            return Listing{}, false
//	        },
//	        func(now time.Time) (Listing, error) {
//	            listing, err := c.fetchListing(ctx, id)
//	            if err != nil {
//	                return Listing{}, err
//	            }
//	            c.listingCache[id] = cacheutil.CachedValue[Listing]{Value: listing, FetchedAt: now}
//	            return listing, nil
//	        },
//	    )
//	}
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	// Fast path: check cache under read lock
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	// Cache miss: acquire write lock
	mu.Lock()
	defer mu.Unlock()

	// Re-check cache after acquiring the write lock with a fresh timestamp.
	// Another goroutine may have populated the cache between RUnlock and Lock.
	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}
