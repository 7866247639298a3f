package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

// cachedItem is the badgerhold record for one cache entry.
type cachedItem struct {
	Key       string `badgerhold:"key"`
	Value     []byte
	ExpiresAt time.Time
	Epoch     uint64
}

// BadgerCache is the disk-backed cache, for deployments that want cached
// views to survive restarts.
type BadgerCache struct {
	store  *badgerhold.Store
	epoch  atomic.Uint64
	clock  common.Clock
	logger *common.Logger
}

var _ interfaces.Cache = (*BadgerCache)(nil)

// NewBadgerCache opens a badgerhold store at path.
func NewBadgerCache(logger *common.Logger, clock common.Clock, path string) (*BadgerCache, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil // Disable badger's internal logging

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Badger cache opened")

	return &BadgerCache{
		store:  store,
		clock:  clock,
		logger: logger,
	}, nil
}

func (c *BadgerCache) Get(key string) ([]byte, bool) {
	var item cachedItem
	if err := c.store.Get(key, &item); err != nil {
		return nil, false
	}
	if item.Epoch != c.epoch.Load() || c.clock.Now().After(item.ExpiresAt) {
		c.Delete(key)
		return nil, false
	}
	return item.Value, true
}

func (c *BadgerCache) Set(key string, value []byte, ttl time.Duration) {
	item := cachedItem{
		Key:       key,
		Value:     value,
		ExpiresAt: c.clock.Now().Add(ttl),
		Epoch:     c.epoch.Load(),
	}
	if err := c.store.Upsert(key, &item); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

func (c *BadgerCache) Delete(key string) {
	_ = c.store.Delete(key, &cachedItem{})
}

func (c *BadgerCache) BumpEpoch() {
	epoch := c.epoch.Add(1)
	c.logger.Debug().Uint64("epoch", epoch).Msg("Cache epoch bumped")
}

func (c *BadgerCache) Close() error {
	return c.store.Close()
}
