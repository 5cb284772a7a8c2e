package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/ledger"
)

// Stock returns derived stock for a location. Complete snapshots are cached
// unfiltered; degraded ones are never cached so the warning clears as soon
// as dispatch history is readable again.
func (s *Service) Stock(ctx context.Context, location string, filter string) (domain.StockResponse, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return domain.StockResponse{}, err
	}
	f, err := ledger.ParseFilter(filter)
	if err != nil {
		return domain.StockResponse{}, err
	}

	if cached, ok, err := s.cache.Get(ctx, location); err != nil {
		s.log.WithError(err).WithField("location", location).Warn("stock cache read failed")
	} else if ok {
		return filterResponse(*cached, f), nil
	}

	// taken before the ledger read so a concurrent invalidation wins
	generation, genErr := s.cache.Generation(ctx, location)
	if genErr != nil {
		s.log.WithError(genErr).WithField("location", location).Warn("stock cache generation read failed")
	}

	result, err := s.ledger.Stock(ctx, location, ledger.FilterAll)
	if err != nil {
		return domain.StockResponse{}, err
	}

	resp := domain.StockResponse{
		Location:       location,
		Filter:         string(ledger.FilterAll),
		Degraded:       result.Degraded,
		DegradedReason: result.DegradedReason,
		Batches:        result.Stocks,
		GeneratedAt:    s.now().Format(time.RFC3339),
	}
	if !resp.Degraded && genErr == nil {
		if err := s.cache.Set(ctx, location, generation, &resp, s.cacheTTL); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"location": location}).Warn("stock cache write failed")
		}
	}
	return filterResponse(resp, f), nil
}

// stockSnapshot is the uncached ledger read used by write paths.
func (s *Service) stockSnapshot(ctx context.Context, location string) (ledger.Result, error) {
	return s.ledger.Stock(ctx, location, ledger.FilterAll)
}

func filterResponse(resp domain.StockResponse, f ledger.Filter) domain.StockResponse {
	resp.Filter = string(f)
	if f != ledger.FilterInStock {
		return resp
	}
	kept := make([]domain.BatchStock, 0, len(resp.Batches))
	for _, b := range resp.Batches {
		if b.PackagesInStock > 0 {
			kept = append(kept, b)
		}
	}
	resp.Batches = kept
	return resp
}
