package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
)

type Filter string

const (
	FilterAll     Filter = "all"
	FilterInStock Filter = "in_stock"
)

func ParseFilter(raw string) (Filter, error) {
	switch Filter(raw) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterInStock:
		return FilterInStock, nil
	}
	return "", fmt.Errorf("%w: unknown stock filter %q", store.ErrInvalidTransaction, raw)
}

// Clamp records a batch whose confirmed dispatches exceed what it holds.
type Clamp struct {
	BatchID     string `json:"batch_id"`
	BatchNumber string `json:"batch_number"`
	Deficit     int    `json:"deficit"`
}

type Result struct {
	Stocks         []domain.BatchStock
	Clamped        []Clamp
	Degraded       bool
	DegradedReason string
}

// Compute derives packages_in_stock for every batch as
// max(0, produced + adjustment - confirmed) from confirmed batch entries.
func Compute(batches []domain.ProductionBatch, entries []domain.LedgerEntry) Result {
	used := make(map[string]int, len(batches))
	for _, entry := range entries {
		used[entry.BatchID] += entry.Quantity
	}

	result := Result{Stocks: make([]domain.BatchStock, 0, len(batches))}
	for _, batch := range batches {
		dispatched := used[batch.ID]
		available := batch.PackagesProduced + batch.ManualStockAdjustment - dispatched
		stock := domain.BatchStock{
			ProductionBatch:    batch,
			PackagesDispatched: dispatched,
			PackagesInStock:    available,
		}
		if available < 0 {
			stock.PackagesInStock = 0
			stock.Clamped = true
			result.Clamped = append(result.Clamped, Clamp{
				BatchID:     batch.ID,
				BatchNumber: batch.BatchNumber,
				Deficit:     -available,
			})
		}
		result.Stocks = append(result.Stocks, stock)
	}
	return result
}

// Fallback reports every batch at its produced quantity. It is used when the
// confirmed dispatch lines cannot be read.
func Fallback(batches []domain.ProductionBatch, reason string) Result {
	result := Result{
		Stocks:         make([]domain.BatchStock, 0, len(batches)),
		Degraded:       true,
		DegradedReason: reason,
	}
	for _, batch := range batches {
		stock := batch.PackagesProduced
		if stock < 0 {
			stock = 0
		}
		result.Stocks = append(result.Stocks, domain.BatchStock{
			ProductionBatch: batch,
			PackagesInStock: stock,
		})
	}
	return result
}

func (r Result) Apply(filter Filter) Result {
	if filter != FilterInStock {
		return r
	}
	kept := make([]domain.BatchStock, 0, len(r.Stocks))
	for _, stock := range r.Stocks {
		if stock.PackagesInStock > 0 {
			kept = append(kept, stock)
		}
	}
	r.Stocks = kept
	return r
}

type Source interface {
	ListBatches(ctx context.Context, location string) ([]domain.ProductionBatch, error)
	ListConfirmedEntries(ctx context.Context, location string) ([]domain.LedgerEntry, error)
}

type Calculator struct {
	source Source
	log    logrus.FieldLogger
}

func NewCalculator(source Source, log logrus.FieldLogger) *Calculator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Calculator{source: source, log: log.WithField("component", "ledger")}
}

// Stock loads batches and confirmed entries for a location concurrently and
// computes their stock. A failed batch query is returned; a failed entry
// query degrades the result instead.
func (c *Calculator) Stock(ctx context.Context, location string, filter Filter) (Result, error) {
	var (
		batches  []domain.ProductionBatch
		entries  []domain.LedgerEntry
		entryErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		batches, err = c.source.ListBatches(gctx, location)
		return err
	})
	g.Go(func() error {
		entries, entryErr = c.source.ListConfirmedEntries(gctx, location)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if entryErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		reason := "dispatch history unavailable"
		if errors.Is(entryErr, store.ErrPermissionDenied) {
			reason = "dispatch history not readable with current permissions"
		}
		c.log.WithFields(logrus.Fields{
			"location": location,
			"batches":  len(batches),
		}).WithError(entryErr).Warn("ledger degraded to produced quantities")
		return Fallback(batches, reason).Apply(filter), nil
	}

	result := Compute(batches, entries)
	for _, clamp := range result.Clamped {
		c.log.WithFields(logrus.Fields{
			"location":     location,
			"batch_id":     clamp.BatchID,
			"batch_number": clamp.BatchNumber,
			"deficit":      clamp.Deficit,
		}).Warn("confirmed dispatches exceed batch stock; clamped to zero")
	}
	return result.Apply(filter), nil
}
