package cache

import (
	"context"
	"sync"
	"time"

	"kitchenledger/backend/internal/domain"
)

// MemoryStockCache is the in-process cache used when redis is not configured.
// It only sees invalidations published in this process, so it is safe only
// when this process is the sole writer.
type MemoryStockCache struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	generations map[string]uint64
}

type memoryEntry struct {
	value     domain.StockResponse
	expiresAt time.Time
}

func NewMemoryStockCache() *MemoryStockCache {
	return &MemoryStockCache{
		entries:     make(map[string]memoryEntry),
		generations: make(map[string]uint64),
	}
}

func (c *MemoryStockCache) Get(_ context.Context, location string) (*domain.StockResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[stockKey(location)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	value := entry.value
	value.Batches = append([]domain.BatchStock(nil), entry.value.Batches...)
	return &value, true, nil
}

func (c *MemoryStockCache) Generation(_ context.Context, location string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[stockKey(location)], nil
}

func (c *MemoryStockCache) Set(_ context.Context, location string, generation uint64, value *domain.StockResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stockKey(location)
	if c.generations[key] != generation {
		return nil
	}
	stored := *value
	stored.Batches = append([]domain.BatchStock(nil), value.Batches...)
	c.entries[key] = memoryEntry{value: stored, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryStockCache) Invalidate(_ context.Context, location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range []string{stockKey(location), stockKey("")} {
		c.generations[key]++
		delete(c.entries, key)
	}
	return nil
}
