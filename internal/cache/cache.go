package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"vpnshield/internal/domain"
	"vpnshield/internal/metrics"
)

const (
	tierLocal  = "local"
	tierRemote = "redis"
)

type entry struct {
	result  domain.Result
	expires time.Time
}

// Remote is an optional shared tier consulted after a local miss.
type Remote interface {
	Get(ctx context.Context, address string) (domain.Result, time.Time, bool, error)
	Set(ctx context.Context, address string, result domain.Result, expires time.Time) error
	Delete(ctx context.Context, address string) error
	Flush(ctx context.Context) error
}

// Cache maps addresses to results until an absolute expiry. Keys are
// independent; there is no cross-key locking.
type Cache struct {
	entries sync.Map
	clock   clock.Clock
	remote  Remote
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(cache *Cache) {
		if c != nil {
			cache.clock = c
		}
	}
}

func WithRemote(r Remote) Option {
	return func(cache *Cache) {
		cache.remote = r
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{clock: clock.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result while now is strictly before its expiry.
func (c *Cache) Get(ctx context.Context, address string) (domain.Result, bool) {
	now := c.clock.Now()
	if raw, ok := c.entries.Load(address); ok {
		cached := raw.(entry)
		if now.Before(cached.expires) {
			metrics.ObserveCacheLookup(tierLocal, true)
			return cached.result, true
		}
		c.entries.CompareAndDelete(address, raw)
	}
	metrics.ObserveCacheLookup(tierLocal, false)

	if c.remote == nil {
		return domain.Result{}, false
	}

	result, expires, found, err := c.remote.Get(ctx, address)
	if err != nil {
		log.Warn("remote cache read failed", "address", address, "error", err)
		metrics.ObserveCacheLookup(tierRemote, false)
		return domain.Result{}, false
	}
	if !found || !now.Before(expires) {
		metrics.ObserveCacheLookup(tierRemote, false)
		return domain.Result{}, false
	}

	metrics.ObserveCacheLookup(tierRemote, true)
	c.entries.Store(address, entry{result: result, expires: expires})
	return result, true
}

// Put stores result until now+ttl. A non-positive ttl stores nothing.
func (c *Cache) Put(ctx context.Context, address string, result domain.Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	expires := c.clock.Now().Add(ttl)
	c.entries.Store(address, entry{result: result, expires: expires})

	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, address, result, expires); err != nil {
		log.Warn("remote cache write failed", "address", address, "error", err)
	}
}

func (c *Cache) Invalidate(ctx context.Context, address string) {
	c.entries.Delete(address)

	if c.remote == nil {
		return
	}
	if err := c.remote.Delete(ctx, address); err != nil {
		log.Warn("remote cache delete failed", "address", address, "error", err)
	}
}

func (c *Cache) Clear(ctx context.Context) {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})

	if c.remote == nil {
		return
	}
	if err := c.remote.Flush(ctx); err != nil {
		log.Warn("remote cache flush failed", "error", err)
	}
}

// Len counts live local entries.
func (c *Cache) Len() int {
	now := c.clock.Now()
	count := 0
	c.entries.Range(func(_, raw any) bool {
		if now.Before(raw.(entry).expires) {
			count++
		}
		return true
	})
	return count
}

// Sweep drops expired local entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	c.entries.Range(func(key, raw any) bool {
		if !now.Before(raw.(entry).expires) {
			if c.entries.CompareAndDelete(key, raw) {
				removed++
			}
		}
		return true
	})
	return removed
}

// StartJanitor sweeps every interval until ctx is done.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := c.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.Sweep(); removed > 0 {
					log.Debug("Swept expired cache entries", "count", removed)
				}
			}
		}
	}()
}
