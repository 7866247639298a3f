// Package cache provides a TTL key-value cache with epoch-based bulk
// invalidation and a market-hours TTL policy.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

// Effective TTLs under the market-hours policy.
const (
	MarketHoursTTL = 300 * time.Second
	OffHoursTTL    = 3600 * time.Second
)

type entry struct {
	value     []byte
	expiresAt time.Time
	epoch     uint64
}

// MemoryCache is the in-process backend.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]entry
	epoch    atomic.Uint64
	clock    common.Clock
	calendar *common.MarketCalendar
	logger   *common.Logger
}

var _ interfaces.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a memory-backed cache. Calendar may be nil when the
// market-hours policy is not used.
func NewMemoryCache(logger *common.Logger, clock common.Clock, calendar *common.MarketCalendar) *MemoryCache {
	return &MemoryCache{
		entries:  make(map[string]entry),
		clock:    clock,
		calendar: calendar,
		logger:   logger,
	}
}

// Key builds a cache key from a function identifier and its arguments. The
// current epoch is folded in so BumpEpoch invalidates derived views without
// touching individual entries.
func (c *MemoryCache) Key(functionID string, args ...string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", functionID, strings.Join(args, "|"), c.epoch.Load())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.epoch != c.epoch.Load() || c.clock.Now().After(e.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
		epoch:     c.epoch.Load(),
	}
	c.mu.Unlock()
}

// SetMarketAware stores a value whose TTL depends on whether the market is
// open right now: 300s during the trading window, 3600s otherwise.
func (c *MemoryCache) SetMarketAware(key string, value []byte) {
	c.Set(key, value, c.EffectiveTTL())
}

// EffectiveTTL returns the TTL the market-hours policy selects for now.
func (c *MemoryCache) EffectiveTTL() time.Duration {
	if c.calendar != nil && c.calendar.IsMarketHours(c.clock.Now()) {
		return MarketHoursTTL
	}
	return OffHoursTTL
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// BumpEpoch invalidates every entry written before the bump. Stale entries
// are dropped lazily on the next Get.
func (c *MemoryCache) BumpEpoch() {
	epoch := c.epoch.Add(1)
	if c.logger != nil {
		c.logger.Debug().Uint64("epoch", epoch).Msg("Cache epoch bumped")
	}
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	return nil
}
