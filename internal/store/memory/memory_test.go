package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
)

func TestBatchNumberUniquePerLocation(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	today := time.Now().UTC()

	batch := domain.ProductionBatch{
		BatchNumber: "pts-001", Location: domain.LocationTothai, ProductID: "prd-pad-thai-sauce", ChefID: "chef-nok",
		PackagesProduced: 5, ProductionDate: today, ExpiryDate: today,
	}
	if _, err := s.CreateBatch(ctx, batch); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected case-insensitive duplicate, got %v", err)
	}

	batch.Location = domain.LocationKhin
	created, err := s.CreateBatch(ctx, batch)
	if err != nil {
		t.Fatalf("same number at another location should be allowed: %v", err)
	}
	if created.ProductName != "Pad Thai Sauce" || created.ChefName != "Nok" {
		t.Fatalf("expected joined names, got %+v", created)
	}
}

func TestConfirmedEntriesIgnoreDraftsAndOtherLocations(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	draft := func(batchID string, qty int) string {
		t.Helper()
		d, err := s.CreateDispatch(ctx, domain.DispatchRecord{
			DispatchType: domain.DispatchTypeInternal, Status: domain.DispatchStatusDraft, Location: domain.LocationTothai,
			CreatedBy: "staff", CreatedAt: now, UpdatedAt: now,
			Items: []domain.DispatchItem{{ItemID: batchID, ItemType: domain.ItemTypeBatch, Quantity: qty}},
		})
		if err != nil {
			t.Fatalf("create dispatch: %v", err)
		}
		return d.ID
	}

	confirmed := draft("batch-seed-pts-001", 7)
	draft("batch-seed-pts-001", 100)
	otherLocation := draft("batch-seed-msm-001", 3)
	for _, id := range []string{confirmed, otherLocation} {
		if _, err := s.ConfirmDispatch(ctx, id, now); err != nil {
			t.Fatalf("confirm %s: %v", id, err)
		}
	}

	entries, err := s.ListConfirmedEntries(ctx, domain.LocationTothai)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].BatchID != "batch-seed-pts-001" || entries[0].Quantity != 7 {
		t.Fatalf("unexpected entries %+v", entries)
	}

	var statusErr *store.StatusError
	if _, err := s.ConfirmDispatch(ctx, confirmed, now); !errors.As(err, &statusErr) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected status conflict on second confirm, got %v", err)
	}
}

func TestFaultsClassifyLedgerReads(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	s.SetFaults(Faults{DenyLedgerReads: true})
	if _, err := s.ListConfirmedEntries(ctx, ""); !errors.Is(err, store.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	s.SetFaults(Faults{FailLedgerReads: true})
	if _, err := s.ListConfirmedEntries(ctx, ""); err == nil || errors.Is(err, store.ErrPermissionDenied) {
		t.Fatalf("expected an unclassified failure, got %v", err)
	}

	s.SetFaults(Faults{})
	if _, err := s.ListConfirmedEntries(ctx, ""); err != nil {
		t.Fatalf("expected reads to recover, got %v", err)
	}
}
