package cache

import (
	"context"
	"time"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
)

// StockCache holds unfiltered stock snapshots per location. Entries are
// dropped whenever an event that moves stock is published.
//
// Every invalidation bumps the location's generation. A reader takes the
// generation before querying the ledger and passes it to Set; the write is
// skipped when an invalidation happened in between.
type StockCache interface {
	Get(ctx context.Context, location string) (*domain.StockResponse, bool, error)
	Generation(ctx context.Context, location string) (uint64, error)
	Set(ctx context.Context, location string, generation uint64, value *domain.StockResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, location string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockResponse, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Generation(_ context.Context, _ string) (uint64, error) {
	return 0, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ uint64, _ *domain.StockResponse, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

// InvalidateOn subscribes c to the events that change derived stock.
func InvalidateOn(bus *events.Bus, c StockCache) {
	invalidate := func(ctx context.Context, e events.Event) error {
		return c.Invalidate(ctx, e.Location)
	}
	bus.Subscribe(events.BatchCreated, invalidate)
	bus.Subscribe(events.DispatchConfirmed, invalidate)
	bus.Subscribe(events.AdjustmentApplied, invalidate)
}

func stockKey(location string) string {
	if location == "" {
		return "stock:all"
	}
	return "stock:" + location
}

func generationKey(location string) string {
	return stockKey(location) + ":gen"
}
