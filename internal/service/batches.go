package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/xid"
)

func (s *Service) CreateBatch(ctx context.Context, req domain.BatchCreateRequest) (domain.ProductionBatch, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.ProductionBatch{}, err
	}

	req.BatchNumber = strings.ToUpper(strings.TrimSpace(req.BatchNumber))
	req.Location = strings.ToLower(strings.TrimSpace(req.Location))
	if err := s.validateStruct(req); err != nil {
		return domain.ProductionBatch{}, err
	}

	produced, _ := time.Parse(domain.DateLayout, req.ProductionDate)
	expiry, _ := time.Parse(domain.DateLayout, req.ExpiryDate)
	if expiry.Before(produced) {
		return domain.ProductionBatch{}, ErrInvalidDates
	}

	if _, err := s.repo.GetProduct(ctx, req.ProductID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ProductionBatch{}, ErrUnknownReference
		}
		return domain.ProductionBatch{}, err
	}
	if _, err := s.repo.GetChef(ctx, req.ChefID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ProductionBatch{}, ErrUnknownReference
		}
		return domain.ProductionBatch{}, err
	}

	created, err := s.repo.CreateBatch(ctx, domain.ProductionBatch{
		ID:               xid.New("batch"),
		BatchNumber:      req.BatchNumber,
		Location:         req.Location,
		ProductID:        req.ProductID,
		ChefID:           req.ChefID,
		PackagesProduced: req.PackagesProduced,
		ProductionDate:   produced,
		ExpiryDate:       expiry,
		CreatedAt:        s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.ProductionBatch{}, ErrDuplicateBatch
		}
		return domain.ProductionBatch{}, writeError(err)
	}

	s.publish(ctx, events.BatchCreated, created.Location, "batch", created.ID,
		fmt.Sprintf("batch=%s,produced=%d", created.BatchNumber, created.PackagesProduced))
	return *created, nil
}

func (s *Service) ListBatches(ctx context.Context, location string) (domain.BatchListResponse, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return domain.BatchListResponse{}, err
	}
	batches, err := s.repo.ListBatches(ctx, location)
	if err != nil {
		return domain.BatchListResponse{}, err
	}
	return domain.BatchListResponse{Batches: batches}, nil
}
