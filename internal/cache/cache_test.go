package cache

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
)

func TestMemoryCacheInvalidatedByStockEvents(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	bus := events.NewBus(logger)
	c := NewMemoryStockCache()
	InvalidateOn(bus, c)
	ctx := context.Background()

	snapshot := &domain.StockResponse{Location: domain.LocationKhin, Batches: []domain.BatchStock{{PackagesInStock: 3}}}
	if err := c.Set(ctx, domain.LocationKhin, 0, snapshot, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "", 0, snapshot, time.Minute); err != nil {
		t.Fatalf("set all: %v", err)
	}

	bus.Publish(ctx, events.Event{Kind: events.DispatchCancelled, Location: domain.LocationKhin})
	if _, ok, _ := c.Get(ctx, domain.LocationKhin); !ok {
		t.Fatalf("cancelled drafts do not move stock; snapshot should survive")
	}

	bus.Publish(ctx, events.Event{Kind: events.DispatchConfirmed, Location: domain.LocationKhin})
	if _, ok, _ := c.Get(ctx, domain.LocationKhin); ok {
		t.Fatalf("expected location snapshot to be invalidated")
	}
	if _, ok, _ := c.Get(ctx, ""); ok {
		t.Fatalf("expected cross-location snapshot to be invalidated")
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryStockCache()
	ctx := context.Background()
	_ = c.Set(ctx, domain.LocationTothai, 0, &domain.StockResponse{}, -time.Second)
	if _, ok, _ := c.Get(ctx, domain.LocationTothai); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestRedisStockCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("KITCHEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set KITCHEN_TEST_REDIS_ADDR to run redis integration test")
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisStockCache(client)
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	gen, err := c.Generation(ctx, domain.LocationTothai)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if err := c.Set(ctx, domain.LocationTothai, gen, &domain.StockResponse{Location: domain.LocationTothai}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, domain.LocationTothai)
	if err != nil || !ok || got.Location != domain.LocationTothai {
		t.Fatalf("expected cached snapshot, got %+v ok=%v err=%v", got, ok, err)
	}
	if err := c.Invalidate(ctx, domain.LocationTothai); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, domain.LocationTothai); ok {
		t.Fatalf("expected miss after invalidate")
	}
	if err := c.Set(ctx, domain.LocationTothai, gen, &domain.StockResponse{Location: domain.LocationTothai}, time.Minute); err != nil {
		t.Fatalf("stale set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, domain.LocationTothai); ok {
		t.Fatalf("write with a superseded generation must be dropped")
	}
}

func TestMemoryCacheDropsWriteFromSupersededGeneration(t *testing.T) {
	c := NewMemoryStockCache()
	ctx := context.Background()

	gen, _ := c.Generation(ctx, domain.LocationTothai)
	// a confirmation lands while the ledger read is in flight
	if err := c.Invalidate(ctx, domain.LocationTothai); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_ = c.Set(ctx, domain.LocationTothai, gen, &domain.StockResponse{Location: domain.LocationTothai}, time.Minute)
	if _, ok, _ := c.Get(ctx, domain.LocationTothai); ok {
		t.Fatalf("expected pre-invalidation snapshot to be discarded")
	}

	fresh, _ := c.Generation(ctx, domain.LocationTothai)
	if fresh == gen {
		t.Fatalf("expected invalidation to bump the generation")
	}
	_ = c.Set(ctx, domain.LocationTothai, fresh, &domain.StockResponse{Location: domain.LocationTothai}, time.Minute)
	if _, ok, _ := c.Get(ctx, domain.LocationTothai); !ok {
		t.Fatalf("expected current-generation snapshot to be cached")
	}
}
