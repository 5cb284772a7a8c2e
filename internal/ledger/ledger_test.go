package ledger

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
)

type fakeSource struct {
	batches    []domain.ProductionBatch
	entries    []domain.LedgerEntry
	batchErr   error
	entriesErr error
}

func (f fakeSource) ListBatches(_ context.Context, _ string) ([]domain.ProductionBatch, error) {
	return f.batches, f.batchErr
}

func (f fakeSource) ListConfirmedEntries(_ context.Context, _ string) ([]domain.LedgerEntry, error) {
	return f.entries, f.entriesErr
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestComputeStockFormula(t *testing.T) {
	cases := []struct {
		name       string
		produced   int
		adjustment int
		entries    []int
		want       int
		clamped    bool
	}{
		{name: "no dispatches", produced: 50, want: 50},
		{name: "confirmed dispatches subtract", produced: 100, entries: []int{10, 20}, want: 70},
		{name: "negative adjustment", produced: 10, adjustment: -4, entries: []int{3}, want: 3},
		{name: "positive adjustment", produced: 0, adjustment: 7, want: 7},
		{name: "exactly depleted", produced: 5, entries: []int{5}, want: 0},
		{name: "over dispatch clamps", produced: 100, entries: []int{30, 1000}, want: 0, clamped: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := domain.ProductionBatch{ID: "b1", BatchNumber: "B-1", PackagesProduced: tc.produced, ManualStockAdjustment: tc.adjustment}
			entries := make([]domain.LedgerEntry, 0, len(tc.entries))
			for _, qty := range tc.entries {
				entries = append(entries, domain.LedgerEntry{BatchID: "b1", Quantity: qty})
			}

			result := Compute([]domain.ProductionBatch{batch}, entries)
			if len(result.Stocks) != 1 {
				t.Fatalf("expected one stock row, got %d", len(result.Stocks))
			}
			got := result.Stocks[0]
			if got.PackagesInStock != tc.want {
				t.Fatalf("expected stock %d, got %d", tc.want, got.PackagesInStock)
			}
			if got.PackagesInStock < 0 {
				t.Fatalf("stock must never be negative")
			}
			if got.Clamped != tc.clamped {
				t.Fatalf("expected clamped=%v, got %v", tc.clamped, got.Clamped)
			}
			if tc.clamped && len(result.Clamped) != 1 {
				t.Fatalf("expected clamp to be reported")
			}
		})
	}
}

func TestComputeReportsDeficit(t *testing.T) {
	batch := domain.ProductionBatch{ID: "b1", BatchNumber: "B-1", PackagesProduced: 100}
	result := Compute([]domain.ProductionBatch{batch}, []domain.LedgerEntry{{BatchID: "b1", Quantity: 30}, {BatchID: "b1", Quantity: 1000}})
	if len(result.Clamped) != 1 || result.Clamped[0].Deficit != 930 {
		t.Fatalf("expected deficit 930, got %+v", result.Clamped)
	}
}

func TestComputeIgnoresEntriesForOtherBatches(t *testing.T) {
	batches := []domain.ProductionBatch{
		{ID: "a", PackagesProduced: 10},
		{ID: "b", PackagesProduced: 10},
	}
	result := Compute(batches, []domain.LedgerEntry{{BatchID: "b", Quantity: 4}, {BatchID: "zzz", Quantity: 99}})
	if result.Stocks[0].PackagesInStock != 10 || result.Stocks[1].PackagesInStock != 6 {
		t.Fatalf("unexpected stocks: %+v", result.Stocks)
	}
}

func TestFilterAppliedAfterComputation(t *testing.T) {
	batches := []domain.ProductionBatch{
		{ID: "a", PackagesProduced: 10},
		{ID: "b", PackagesProduced: 10},
		{ID: "c", PackagesProduced: 0, ManualStockAdjustment: 3},
	}
	entries := []domain.LedgerEntry{{BatchID: "a", Quantity: 10}}

	all := Compute(batches, entries).Apply(FilterAll)
	if len(all.Stocks) != 3 {
		t.Fatalf("expected all batches, got %d", len(all.Stocks))
	}
	inStock := Compute(batches, entries).Apply(FilterInStock)
	if len(inStock.Stocks) != 2 {
		t.Fatalf("expected 2 in-stock batches, got %d", len(inStock.Stocks))
	}
	for _, s := range inStock.Stocks {
		if s.ID == "a" {
			t.Fatalf("depleted batch must be filtered out")
		}
	}
}

func TestParseFilter(t *testing.T) {
	if f, err := ParseFilter(""); err != nil || f != FilterAll {
		t.Fatalf("expected empty filter to mean all, got %q %v", f, err)
	}
	if f, err := ParseFilter("in_stock"); err != nil || f != FilterInStock {
		t.Fatalf("expected in_stock filter, got %q %v", f, err)
	}
	if _, err := ParseFilter("nope"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid filter error, got %v", err)
	}
}

func TestCalculatorDegradesOnPermissionDenied(t *testing.T) {
	calc := NewCalculator(fakeSource{
		batches:    []domain.ProductionBatch{{ID: "a", PackagesProduced: 12, ManualStockAdjustment: -2}},
		entriesErr: store.ErrPermissionDenied,
	}, quietLogger())

	result, err := calc.Stock(context.Background(), domain.LocationTothai, FilterAll)
	if err != nil {
		t.Fatalf("expected degraded result, got error %v", err)
	}
	if !result.Degraded || result.DegradedReason == "" {
		t.Fatalf("expected degraded flag with reason")
	}
	if result.Stocks[0].PackagesInStock != 12 {
		t.Fatalf("expected produced quantity 12 in fallback, got %d", result.Stocks[0].PackagesInStock)
	}
}

func TestCalculatorDegradesWhenUnreachable(t *testing.T) {
	calc := NewCalculator(fakeSource{
		batches:    []domain.ProductionBatch{{ID: "a", PackagesProduced: 4}},
		entriesErr: errors.New("dial tcp: connection refused"),
	}, quietLogger())

	result, err := calc.Stock(context.Background(), "", FilterInStock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Degraded {
		t.Fatalf("expected degraded result")
	}
}

func TestCalculatorNormalReadIsNotDegraded(t *testing.T) {
	calc := NewCalculator(fakeSource{
		batches: []domain.ProductionBatch{{ID: "a", PackagesProduced: 4}},
	}, quietLogger())

	result, err := calc.Stock(context.Background(), "", FilterAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Degraded {
		t.Fatalf("zero-dispatch read must not look degraded")
	}
	if result.Stocks[0].PackagesInStock != 4 {
		t.Fatalf("expected 4, got %d", result.Stocks[0].PackagesInStock)
	}
}

func TestCalculatorPropagatesBatchFailure(t *testing.T) {
	calc := NewCalculator(fakeSource{batchErr: store.ErrPermissionDenied}, quietLogger())
	if _, err := calc.Stock(context.Background(), "", FilterAll); !errors.Is(err, store.ErrPermissionDenied) {
		t.Fatalf("expected batch error to propagate, got %v", err)
	}
}
