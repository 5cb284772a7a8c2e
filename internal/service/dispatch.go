package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/xid"
)

// CreateDraft validates and stores a draft dispatch with its items and opens
// its packing slip. For internal dispatches any earlier internal draft of the
// same location is cancelled by a side task once the new draft exists; that
// cancellation never blocks or fails the request.
func (s *Service) CreateDraft(ctx context.Context, req domain.DispatchCreateRequest) (domain.DispatchResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.DispatchResponse{}, err
	}

	req.DispatchType = strings.ToLower(strings.TrimSpace(req.DispatchType))
	req.Location = strings.ToLower(strings.TrimSpace(req.Location))
	if req.Location == "" {
		req.Location = s.defaultLocation
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PickerName = strings.TrimSpace(req.PickerName)

	if len(req.Items) == 0 {
		return domain.DispatchResponse{}, ErrEmptyItems
	}
	if req.DispatchType == domain.DispatchTypeExternal && req.CustomerID == "" {
		return domain.DispatchResponse{}, ErrCustomerRequired
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return domain.DispatchResponse{}, ErrInvalidQuantity
		}
	}
	if err := s.validateStruct(req); err != nil {
		return domain.DispatchResponse{}, err
	}

	items, err := s.snapshotItems(ctx, req.Location, req.Items)
	if err != nil {
		return domain.DispatchResponse{}, err
	}

	totalPackages := 0
	for _, item := range items {
		totalPackages += item.Quantity
	}

	var stale []string
	if req.DispatchType == domain.DispatchTypeInternal {
		stale, err = s.repo.ListDraftDispatchIDs(ctx, req.Location, domain.DispatchTypeInternal)
		if err != nil {
			s.log.WithError(err).WithField("location", req.Location).Warn("could not list stale internal drafts")
			stale = nil
		}
	}

	now := s.now()
	record := domain.DispatchRecord{
		ID:            xid.New("dsp"),
		DispatchType:  req.DispatchType,
		Status:        domain.DispatchStatusDraft,
		Location:      req.Location,
		CustomerID:    req.CustomerID,
		PickerName:    defaultString(req.PickerName, actor.Username),
		Notes:         strings.TrimSpace(req.Notes),
		TotalItems:    len(items),
		TotalPackages: totalPackages,
		CreatedBy:     actor.Username,
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         items,
	}

	created, err := s.repo.CreateDispatch(ctx, record)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"dispatch_id": record.ID,
			"location":    record.Location,
		}).Error("dispatch draft was not fully stored")
		return domain.DispatchResponse{}, writeError(fmt.Errorf("create dispatch: %w", err))
	}

	stale = slices.DeleteFunc(stale, func(id string) bool { return id == created.ID })
	if len(stale) > 0 {
		ids := slices.Clone(stale)
		s.goSideTask(ctx, func(taskCtx context.Context) {
			s.cancelSuperseded(taskCtx, created.ID, ids)
		})
	}

	slip, err := s.OpenDraftSlip(ctx, *created, req.PickedUpBy, req.PickupDate)
	if err != nil {
		return domain.DispatchResponse{}, err
	}

	s.publish(ctx, events.DispatchDrafted, created.Location, "dispatch", created.ID,
		fmt.Sprintf("type=%s,items=%d,packages=%d", created.DispatchType, created.TotalItems, created.TotalPackages))

	return domain.DispatchResponse{
		Dispatch:         *created,
		PackingSlip:      &slip,
		SupersededDrafts: stale,
	}, nil
}

// cancelSuperseded attempts each cancellation once and only logs failures.
func (s *Service) cancelSuperseded(ctx context.Context, supersededBy string, ids []string) {
	for _, id := range ids {
		log := s.log.WithFields(logrus.Fields{"dispatch_id": id, "superseded_by": supersededBy})
		cancelled, err := s.repo.CancelDispatch(ctx, id, s.now())
		if err != nil {
			var statusErr *store.StatusError
			if errors.As(err, &statusErr) {
				log.WithField("status", statusErr.Status).Info("stale draft already left draft state")
				continue
			}
			log.WithError(err).Warn("failed to cancel stale internal draft")
			continue
		}
		log.Info("cancelled stale internal draft")
		s.publish(ctx, events.DispatchCancelled, cancelled.Location, "dispatch", cancelled.ID, "superseded_by="+supersededBy)
	}
}

func (s *Service) snapshotItems(ctx context.Context, location string, reqItems []domain.DispatchItemRequest) ([]domain.DispatchItem, error) {
	batchIDs := make(map[string]struct{}, len(reqItems))
	for _, item := range reqItems {
		if item.ItemType == domain.ItemTypeBatch {
			batchIDs[strings.TrimSpace(item.ItemID)] = struct{}{}
		}
	}

	var batches map[string]domain.ProductionBatch
	if len(batchIDs) > 0 {
		var err error
		batches, err = s.repo.GetBatchesByIDs(ctx, sortedKeys(batchIDs))
		if err != nil {
			return nil, err
		}
	}

	items := make([]domain.DispatchItem, 0, len(reqItems))
	for _, req := range reqItems {
		item := domain.DispatchItem{
			ItemID:   strings.TrimSpace(req.ItemID),
			ItemType: req.ItemType,
			ItemName: strings.TrimSpace(req.ItemName),
			Quantity: req.Quantity,
		}
		if item.ItemType == domain.ItemTypeBatch {
			batch, ok := batches[item.ItemID]
			if !ok || batch.Location != location {
				return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, item.ItemID)
			}
			production := batch.ProductionDate
			expiry := batch.ExpiryDate
			item.BatchNumber = batch.BatchNumber
			item.ProductionDate = &production
			item.ExpiryDate = &expiry
			item.ItemName = defaultString(batch.ProductName, batch.BatchNumber)
		}
		if item.ItemName == "" {
			item.ItemName = item.ItemID
		}
		items = append(items, item)
	}
	return items, nil
}

// Confirm moves a draft to confirmed and then numbers its packing slip.
// Concurrent confirmations of one dispatch are serialized by the locker and
// the repository only transitions from draft, so stock is counted once.
func (s *Service) Confirm(ctx context.Context, dispatchID string) (domain.DispatchResponse, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.DispatchResponse{}, err
	}
	dispatchID = strings.TrimSpace(dispatchID)

	release, err := s.locker.Obtain(ctx, "dispatch:confirm:"+dispatchID)
	if err != nil {
		return domain.DispatchResponse{}, err
	}
	defer release()

	current, err := s.repo.GetDispatch(ctx, dispatchID)
	if err != nil {
		return domain.DispatchResponse{}, transitionError(err)
	}
	switch current.Status {
	case domain.DispatchStatusConfirmed:
		return domain.DispatchResponse{}, ErrAlreadyConfirmed
	case domain.DispatchStatusCancelled:
		return domain.DispatchResponse{}, ErrAlreadyCancelled
	}
	if len(current.Items) == 0 {
		return domain.DispatchResponse{}, ErrNoItems
	}
	if s.rejectOverDispatch {
		if err := s.checkAvailable(ctx, *current); err != nil {
			return domain.DispatchResponse{}, err
		}
	}

	confirmed, err := s.repo.ConfirmDispatch(ctx, dispatchID, s.now())
	if err != nil {
		return domain.DispatchResponse{}, transitionError(err)
	}
	s.publish(ctx, events.DispatchConfirmed, confirmed.Location, "dispatch", confirmed.ID,
		fmt.Sprintf("packages=%d", confirmed.TotalPackages))

	resp := domain.DispatchResponse{Dispatch: *confirmed}
	slip, err := s.FinalizeSlip(ctx, confirmed.ID)
	if err != nil {
		s.log.WithError(err).WithField("dispatch_id", confirmed.ID).Error("dispatch confirmed but packing slip not finalized; repair pass will retry")
		return resp, fmt.Errorf("dispatch confirmed, packing slip pending: %w", err)
	}
	resp.PackingSlip = &slip
	return resp, nil
}

// checkAvailable rejects a confirmation that would drive any batch below
// zero. Only used when over-dispatch is configured as an error.
func (s *Service) checkAvailable(ctx context.Context, d domain.DispatchRecord) error {
	demand := make(map[string]int, len(d.Items))
	for _, item := range d.Items {
		if item.ItemType == domain.ItemTypeBatch {
			demand[item.ItemID] += item.Quantity
		}
	}
	if len(demand) == 0 {
		return nil
	}

	snapshot, err := s.stockSnapshot(ctx, d.Location)
	if err != nil {
		return err
	}
	if snapshot.Degraded {
		return ErrStockUnverified
	}
	available := make(map[string]domain.BatchStock, len(snapshot.Stocks))
	for _, stock := range snapshot.Stocks {
		available[stock.ID] = stock
	}
	for _, batchID := range sortedKeys(toSet(demand)) {
		stock := available[batchID]
		if demand[batchID] > stock.PackagesInStock {
			return fmt.Errorf("%w: batch %s has %d, dispatch needs %d", ErrInsufficientStock, stock.BatchNumber, stock.PackagesInStock, demand[batchID])
		}
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, dispatchID string) (domain.DispatchResponse, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.DispatchResponse{}, err
	}

	cancelled, err := s.repo.CancelDispatch(ctx, strings.TrimSpace(dispatchID), s.now())
	if err != nil {
		return domain.DispatchResponse{}, transitionError(err)
	}
	s.publish(ctx, events.DispatchCancelled, cancelled.Location, "dispatch", cancelled.ID, "cancelled_by_user")

	resp := domain.DispatchResponse{Dispatch: *cancelled}
	if slip, err := s.repo.GetPackingSlipByDispatch(ctx, cancelled.ID); err == nil {
		resp.PackingSlip = slip
	}
	return resp, nil
}

func (s *Service) GetDispatch(ctx context.Context, dispatchID string) (domain.DispatchResponse, error) {
	d, err := s.repo.GetDispatch(ctx, strings.TrimSpace(dispatchID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.DispatchResponse{}, ErrDispatchNotFound
		}
		return domain.DispatchResponse{}, err
	}
	resp := domain.DispatchResponse{Dispatch: *d}
	slip, err := s.repo.GetPackingSlipByDispatch(ctx, d.ID)
	switch {
	case err == nil:
		resp.PackingSlip = slip
	case !errors.Is(err, store.ErrNotFound):
		return domain.DispatchResponse{}, err
	}
	return resp, nil
}

func (s *Service) ListDispatches(ctx context.Context, location string, status string, limit int) (domain.DispatchListResponse, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return domain.DispatchListResponse{}, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.DispatchStatusDraft, domain.DispatchStatusConfirmed, domain.DispatchStatusCancelled:
	default:
		return domain.DispatchListResponse{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTransaction, status)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	dispatches, err := s.repo.ListDispatches(ctx, location, status, limit)
	if err != nil {
		return domain.DispatchListResponse{}, err
	}
	return domain.DispatchListResponse{Dispatches: dispatches}, nil
}

// transitionError maps repository errors from a lifecycle transition to the
// errors callers act on.
func transitionError(err error) error {
	var statusErr *store.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case domain.DispatchStatusConfirmed:
			return ErrAlreadyConfirmed
		case domain.DispatchStatusCancelled:
			return ErrAlreadyCancelled
		}
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrDispatchNotFound
	case errors.Is(err, store.ErrInvalidTransaction):
		return ErrNoItems
	}
	return writeError(err)
}

func toSet(m map[string]int) map[string]struct{} {
	set := make(map[string]struct{}, len(m))
	for k := range m {
		set[k] = struct{}{}
	}
	return set
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
