// Package tz provides the timezone collaborators the elapsed engine uses
// to localize payloads that carry no UTC offset.
//
//   - [Local] answers from the Go tz database (embedded, so minimal
//     images work) and is exact across DST transitions.
//   - [WorldTimeAPI] asks worldtimeapi.org for the zone's current
//     offset, the way the original MagTag firmware did.
//   - [Cached] memoizes any resolver in an LRU with a TTL.
//   - [Fallback] keeps the display alive on a fixed offset when the
//     primary lookup fails.
package tz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	_ "time/tzdata" // embedded zoneinfo for hosts without /usr/share/zoneinfo

	lru "github.com/hashicorp/golang-lru"

	"github.com/nugget/inkclock/internal/elapsed"
)

// Local resolves zones with [time.LoadLocation].
type Local struct{}

// Location implements [elapsed.Resolver].
func (Local) Location(_ context.Context, zone string, _ time.Time) (*time.Location, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", zone, err)
	}
	return loc, nil
}

// Cached wraps a resolver with an LRU cache keyed by zone name. Entries
// expire after ttl so remote offsets follow DST changes.
type Cached struct {
	next elapsed.Resolver
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache *lru.Cache
}

type cacheEntry struct {
	loc     *time.Location
	expires time.Time
}

// NewCached creates a caching resolver holding at most size zones.
func NewCached(next elapsed.Resolver, size int, ttl time.Duration) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create zone cache: %w", err)
	}
	return &Cached{next: next, ttl: ttl, now: time.Now, cache: c}, nil
}

// Location implements [elapsed.Resolver].
func (c *Cached) Location(ctx context.Context, zone string, wall time.Time) (*time.Location, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(zone); ok {
		entry := v.(cacheEntry)
		if c.now().Before(entry.expires) {
			c.mu.Unlock()
			return entry.loc, nil
		}
		c.cache.Remove(zone)
	}
	c.mu.Unlock()

	loc, err := c.next.Location(ctx, zone, wall)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(zone, cacheEntry{loc: loc, expires: c.now().Add(c.ttl)})
	c.mu.Unlock()
	return loc, nil
}

// Len returns the number of cached zones.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Fallback answers from Primary and, when that fails, from Secondary.
type Fallback struct {
	Primary   elapsed.Resolver
	Secondary elapsed.Resolver
	Logger    *slog.Logger
}

// Location implements [elapsed.Resolver].
func (f *Fallback) Location(ctx context.Context, zone string, wall time.Time) (*time.Location, error) {
	loc, err := f.Primary.Location(ctx, zone, wall)
	if err == nil {
		return loc, nil
	}
	if f.Secondary == nil {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.Warn("timezone lookup failed, using fallback offset",
			"zone", zone, "error", err)
	}
	return f.Secondary.Location(ctx, zone, wall)
}
