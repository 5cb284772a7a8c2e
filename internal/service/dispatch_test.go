package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/store/memory"
)

func externalDraft(batchID string, qty int) domain.DispatchCreateRequest {
	return domain.DispatchCreateRequest{
		DispatchType: domain.DispatchTypeExternal,
		Location:     domain.LocationTothai,
		CustomerID:   "cust-tothai-restaurant",
		Items:        []domain.DispatchItemRequest{{ItemID: batchID, ItemType: domain.ItemTypeBatch, Quantity: qty}},
	}
}

func internalDraft(location string, batchID string, qty int) domain.DispatchCreateRequest {
	return domain.DispatchCreateRequest{
		DispatchType: domain.DispatchTypeInternal,
		Location:     location,
		Items:        []domain.DispatchItemRequest{{ItemID: batchID, ItemType: domain.ItemTypeBatch, Quantity: qty}},
	}
}

func TestOnlyConfirmedDispatchesConsumeStock(t *testing.T) {
	svc, _ := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-100", "tothai", 100)

	first, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 30))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := svc.Confirm(staffCtx(), first.Dispatch.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := stockOf(t, svc, "tothai", batch.ID); got.PackagesInStock != 70 {
		t.Fatalf("expected 70 after confirmed 30, got %d", got.PackagesInStock)
	}

	big, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 1000))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if got := stockOf(t, svc, "tothai", batch.ID); got.PackagesInStock != 70 || got.Clamped {
		t.Fatalf("draft must not move stock, got %+v", got)
	}

	if _, err := svc.Confirm(staffCtx(), big.Dispatch.ID); err != nil {
		t.Fatalf("confirm over-dispatch under clamp policy: %v", err)
	}
	got := stockOf(t, svc, "tothai", batch.ID)
	if got.PackagesInStock != 0 {
		t.Fatalf("expected stock clamped to 0, got %d", got.PackagesInStock)
	}
	if !got.Clamped {
		t.Fatalf("expected clamp to be flagged")
	}
}

func TestRejectPolicyBlocksOverDispatch(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.RejectOverDispatch = true })
	batch := mustCreateBatch(t, svc, "B-100", "tothai", 10)

	resp, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 11))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := svc.Confirm(staffCtx(), resp.Dispatch.ID); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	current, err := svc.GetDispatch(context.Background(), resp.Dispatch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Dispatch.Status != domain.DispatchStatusDraft {
		t.Fatalf("rejected dispatch must stay draft, got %s", current.Dispatch.Status)
	}
}

func TestCreateDraftComputesTotalsAndSnapshots(t *testing.T) {
	svc, _ := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-7", "tothai", 20)

	req := externalDraft(batch.ID, 4)
	req.Items = append(req.Items, domain.DispatchItemRequest{ItemID: "ext-rice", ItemType: domain.ItemTypeExternal, ItemName: "Jasmine rice", Quantity: 6})
	resp, err := svc.CreateDraft(staffCtx(), req)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	d := resp.Dispatch
	if d.Status != domain.DispatchStatusDraft || d.TotalItems != 2 || d.TotalPackages != 10 {
		t.Fatalf("unexpected header %+v", d)
	}
	sum := 0
	for _, item := range d.Items {
		sum += item.Quantity
	}
	if sum != d.TotalPackages {
		t.Fatalf("total_packages %d disagrees with items %d", d.TotalPackages, sum)
	}
	if d.Items[0].BatchNumber != "B-7" || d.Items[0].ExpiryDate == nil {
		t.Fatalf("expected batch snapshot on item, got %+v", d.Items[0])
	}
	if resp.PackingSlip == nil || resp.PackingSlip.Destination != "Tothai Restaurant" {
		t.Fatalf("expected slip addressed to customer, got %+v", resp.PackingSlip)
	}
	if len(resp.PackingSlip.BatchIDs) != 1 || resp.PackingSlip.BatchIDs[0] != batch.ID {
		t.Fatalf("unexpected slip batch ids %v", resp.PackingSlip.BatchIDs)
	}
}

func TestCreateDraftValidationErrors(t *testing.T) {
	svc, _ := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-1", "tothai", 20)
	khin := mustCreateBatch(t, svc, "K-1", "khin", 20)

	noCustomer := externalDraft(batch.ID, 1)
	noCustomer.CustomerID = " "
	noItems := externalDraft(batch.ID, 1)
	noItems.Items = nil
	zeroQty := externalDraft(batch.ID, 0)
	wrongLocation := externalDraft(khin.ID, 1)
	unknown := externalDraft("batch-missing", 1)

	cases := []struct {
		name string
		req  domain.DispatchCreateRequest
		want error
	}{
		{"customer required for external", noCustomer, ErrCustomerRequired},
		{"empty items", noItems, ErrEmptyItems},
		{"non positive quantity", zeroQty, ErrInvalidQuantity},
		{"batch from other location", wrongLocation, ErrUnknownBatch},
		{"unknown batch", unknown, ErrUnknownBatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateDraft(staffCtx(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	bad := externalDraft(batch.ID, 1)
	bad.DispatchType = "gift"
	_, err := svc.CreateDraft(staffCtx(), bad)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Fields["dispatch_type"] != "oneof" {
		t.Fatalf("expected dispatch_type validation error, got %v", err)
	}

	list, err := svc.ListDispatches(context.Background(), "tothai", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Dispatches) != 0 {
		t.Fatalf("validation failures must not persist anything, got %d dispatches", len(list.Dispatches))
	}
}

func TestItemInsertFailureIsReportedAndInert(t *testing.T) {
	svc, repo := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-1", "tothai", 20)

	repo.SetFaults(memory.Faults{FailItemInsert: true})
	if _, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 5)); err == nil {
		t.Fatalf("expected item insert failure to be reported")
	}
	repo.SetFaults(memory.Faults{})

	list, err := svc.ListDispatches(context.Background(), "tothai", domain.DispatchStatusDraft, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Dispatches) != 1 || len(list.Dispatches[0].Items) != 0 {
		t.Fatalf("expected one item-less draft left behind, got %+v", list.Dispatches)
	}
	if got := stockOf(t, svc, "tothai", batch.ID); got.PackagesInStock != 20 {
		t.Fatalf("orphaned draft must not move stock, got %d", got.PackagesInStock)
	}
	if _, err := svc.Confirm(staffCtx(), list.Dispatches[0].ID); !errors.Is(err, ErrNoItems) {
		t.Fatalf("expected no items error on orphan confirm, got %v", err)
	}
}

func TestConfirmTwiceReportsConflictAndKeepsSlip(t *testing.T) {
	svc, _ := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-1", "tothai", 20)
	resp, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 5))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	first, err := svc.Confirm(staffCtx(), resp.Dispatch.ID)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	_, err = svc.Confirm(staffCtx(), resp.Dispatch.ID)
	if !errors.Is(err, ErrAlreadyConfirmed) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected already confirmed conflict, got %v", err)
	}

	slip, err := svc.GetPackingSlip(context.Background(), resp.Dispatch.ID)
	if err != nil {
		t.Fatalf("slip: %v", err)
	}
	if slip.SlipNumber != first.PackingSlip.SlipNumber {
		t.Fatalf("second confirm changed slip number %q -> %q", first.PackingSlip.SlipNumber, slip.SlipNumber)
	}
	if got := stockOf(t, svc, "tothai", batch.ID); got.PackagesInStock != 15 {
		t.Fatalf("expected stock counted once (15), got %d", got.PackagesInStock)
	}
}

func TestConcurrentConfirmAppliesOnce(t *testing.T) {
	svc, _ := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-1", "tothai", 20)
	resp, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 5))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Confirm(staffCtx(), resp.Dispatch.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case !errors.Is(err, store.ErrConflict):
				t.Errorf("unexpected error kind: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful confirm, got %d", successes)
	}
	if got := stockOf(t, svc, "tothai", batch.ID); got.PackagesInStock != 15 {
		t.Fatalf("expected 15, got %d", got.PackagesInStock)
	}
}

func TestCancelTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-1", "tothai", 20)

	draft, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 5))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	cancelled, err := svc.Cancel(staffCtx(), draft.Dispatch.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Dispatch.Status != domain.DispatchStatusCancelled || cancelled.Dispatch.CancelledAt == nil {
		t.Fatalf("unexpected cancelled record %+v", cancelled.Dispatch)
	}
	if _, err := svc.Cancel(staffCtx(), draft.Dispatch.ID); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("expected already cancelled, got %v", err)
	}
	if _, err := svc.Confirm(staffCtx(), draft.Dispatch.ID); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("expected already cancelled on confirm, got %v", err)
	}

	other, err := svc.CreateDraft(staffCtx(), externalDraft(batch.ID, 5))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := svc.Confirm(staffCtx(), other.Dispatch.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Cancel(staffCtx(), other.Dispatch.ID); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected already confirmed on cancel, got %v", err)
	}

	if _, err := svc.Cancel(staffCtx(), "dsp-missing"); !errors.Is(err, ErrDispatchNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Confirm(staffCtx(), "dsp-missing"); !errors.Is(err, ErrDispatchNotFound) {
		t.Fatalf("expected not found on confirm, got %v", err)
	}
}

func TestNewInternalDraftSupersedesOnlySameLocationInternalDrafts(t *testing.T) {
	svc, _ := newTestService(t)
	tothai := mustCreateBatch(t, svc, "B-1", "tothai", 50)
	khin := mustCreateBatch(t, svc, "K-1", "khin", 50)

	oldInternal, err := svc.CreateDraft(staffCtx(), internalDraft("tothai", tothai.ID, 1))
	if err != nil {
		t.Fatalf("old internal: %v", err)
	}
	khinInternal, err := svc.CreateDraft(staffCtx(), internalDraft("khin", khin.ID, 1))
	if err != nil {
		t.Fatalf("khin internal: %v", err)
	}
	external, err := svc.CreateDraft(staffCtx(), externalDraft(tothai.ID, 1))
	if err != nil {
		t.Fatalf("external: %v", err)
	}

	newInternal, err := svc.CreateDraft(staffCtx(), internalDraft("tothai", tothai.ID, 2))
	if err != nil {
		t.Fatalf("new internal: %v", err)
	}
	if len(newInternal.SupersededDrafts) != 1 || newInternal.SupersededDrafts[0] != oldInternal.Dispatch.ID {
		t.Fatalf("expected old draft to be superseded, got %v", newInternal.SupersededDrafts)
	}
	if newInternal.PackingSlip.Destination != "Internal use" {
		t.Fatalf("expected generic destination, got %q", newInternal.PackingSlip.Destination)
	}
	svc.Wait()

	want := map[string]string{
		oldInternal.Dispatch.ID:  domain.DispatchStatusCancelled,
		khinInternal.Dispatch.ID: domain.DispatchStatusDraft,
		external.Dispatch.ID:     domain.DispatchStatusDraft,
		newInternal.Dispatch.ID:  domain.DispatchStatusDraft,
	}
	for id, status := range want {
		got, err := svc.GetDispatch(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Dispatch.Status != status {
			t.Fatalf("dispatch %s: expected %s, got %s", id, status, got.Dispatch.Status)
		}
	}
}

func TestStaleDraftCancellationFailureDoesNotBlockNewDraft(t *testing.T) {
	svc, repo := newTestService(t)
	batch := mustCreateBatch(t, svc, "B-1", "tothai", 50)

	old, err := svc.CreateDraft(staffCtx(), internalDraft("tothai", batch.ID, 1))
	if err != nil {
		t.Fatalf("old: %v", err)
	}
	repo.SetFaults(memory.Faults{FailCancel: true})
	fresh, err := svc.CreateDraft(staffCtx(), internalDraft("tothai", batch.ID, 1))
	if err != nil {
		t.Fatalf("new draft must succeed even if cancellation fails: %v", err)
	}
	svc.Wait()
	repo.SetFaults(memory.Faults{})

	got, err := svc.GetDispatch(context.Background(), old.Dispatch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Dispatch.Status != domain.DispatchStatusDraft {
		t.Fatalf("failed cancellation should leave the old draft, got %s", got.Dispatch.Status)
	}
	if fresh.Dispatch.Status != domain.DispatchStatusDraft {
		t.Fatalf("unexpected new draft status %s", fresh.Dispatch.Status)
	}
}

func TestListDispatchesRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.ListDispatches(context.Background(), "tothai", "shipped", 10); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}
