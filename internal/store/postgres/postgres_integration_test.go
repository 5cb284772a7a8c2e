package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KITCHEN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KITCHEN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestDispatchLedgerRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	chefID := fmt.Sprintf("chef-it-%d", stamp)
	batchNumber := fmt.Sprintf("IT-%d", stamp)
	slipNumber := fmt.Sprintf("PS-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_takes WHERE fingerprint = $1`, batchNumber)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM packing_slips WHERE dispatch_id IN (SELECT d.id FROM dispatches d JOIN dispatch_items di ON di.dispatch_id = d.id JOIN production_batches b ON b.id = di.item_id WHERE b.product_id = $1)`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM dispatches WHERE id IN (SELECT di.dispatch_id FROM dispatch_items di JOIN production_batches b ON b.id = di.item_id WHERE b.product_id = $1)`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM production_batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM chefs WHERE id = $1`, chefID)
	})

	if _, err := s.db.ExecContext(ctx, `INSERT INTO products (id, name, category) VALUES ($1, 'Integration Paste', 'paste')`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO chefs (id, name) VALUES ($1, 'Integration Chef')`, chefID); err != nil {
		t.Fatalf("insert chef: %v", err)
	}

	today := time.Now().UTC()
	batch, err := s.CreateBatch(ctx, domain.ProductionBatch{
		BatchNumber:      batchNumber,
		Location:         domain.LocationTothai,
		ProductID:        productID,
		ChefID:           chefID,
		PackagesProduced: 10,
		ProductionDate:   today,
		ExpiryDate:       today.AddDate(0, 0, 14),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if batch.ProductName != "Integration Paste" {
		t.Fatalf("expected product name join, got %q", batch.ProductName)
	}
	if _, err := s.CreateBatch(ctx, domain.ProductionBatch{
		BatchNumber: batchNumber, Location: domain.LocationTothai, ProductID: productID, ChefID: chefID,
		ProductionDate: today, ExpiryDate: today,
	}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate batch number, got %v", err)
	}

	now := time.Now().UTC()
	dispatch, err := s.CreateDispatch(ctx, domain.DispatchRecord{
		DispatchType:  domain.DispatchTypeInternal,
		Status:        domain.DispatchStatusDraft,
		Location:      domain.LocationTothai,
		TotalItems:    1,
		TotalPackages: 4,
		CreatedBy:     "integration",
		CreatedAt:     now,
		UpdatedAt:     now,
		Items: []domain.DispatchItem{{
			ItemID: batch.ID, ItemType: domain.ItemTypeBatch, ItemName: batch.ProductName, Quantity: 4,
			BatchNumber: batch.BatchNumber, ProductionDate: &batch.ProductionDate, ExpiryDate: &batch.ExpiryDate,
		}},
	})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	if len(dispatch.Items) != 1 {
		t.Fatalf("expected one stored item, got %d", len(dispatch.Items))
	}

	if _, err := s.CreatePackingSlip(ctx, domain.PackingSlip{
		DispatchID: dispatch.ID, Location: domain.LocationTothai, Destination: "Internal use", PreparedBy: "integration",
		BatchIDs: []string{batch.ID}, TotalItems: 1, TotalPackages: 4, PickupDate: now,
	}); err != nil {
		t.Fatalf("create slip: %v", err)
	}
	if _, err := s.FinalizePackingSlip(ctx, dispatch.ID, slipNumber, now); err == nil {
		t.Fatalf("draft slip must not be finalized")
	}

	if _, err := s.ConfirmDispatch(ctx, dispatch.ID, now); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var statusErr *store.StatusError
	if _, err := s.ConfirmDispatch(ctx, dispatch.ID, now); !errors.As(err, &statusErr) || statusErr.Status != domain.DispatchStatusConfirmed {
		t.Fatalf("expected status error on second confirm, got %v", err)
	}

	entries, err := s.ListConfirmedEntries(ctx, domain.LocationTothai)
	if err != nil {
		t.Fatalf("ledger entries: %v", err)
	}
	consumed := 0
	for _, e := range entries {
		if e.BatchID == batch.ID {
			consumed += e.Quantity
		}
	}
	if consumed != 4 {
		t.Fatalf("expected 4 consumed, got %d", consumed)
	}

	slip, err := s.FinalizePackingSlip(ctx, dispatch.ID, slipNumber, now)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if slip.SlipNumber != slipNumber || len(slip.BatchIDs) != 1 {
		t.Fatalf("unexpected slip %+v", slip)
	}

	take := domain.StockTake{
		Location: domain.LocationTothai, StocktakerName: "Integration", Fingerprint: batchNumber, AppliedBy: "integration",
		NetAdjustment: -1,
		Lines:         []domain.StockTakeLine{{BatchID: batch.ID, BatchNumber: batch.BatchNumber, SystemStock: 6, PhysicalCount: 5, Adjustment: -1}},
	}
	if _, err := s.ApplyStockTake(ctx, take); err != nil {
		t.Fatalf("apply stock take: %v", err)
	}
	if _, err := s.ApplyStockTake(ctx, take); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate fingerprint, got %v", err)
	}
	batches, err := s.GetBatchesByIDs(ctx, []string{batch.ID})
	if err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if got := batches[batch.ID].ManualStockAdjustment; got != -1 {
		t.Fatalf("expected adjustment -1 applied once, got %d", got)
	}
}
