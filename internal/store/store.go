package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kitchenledger/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConflict           = errors.New("conflict")
	ErrDuplicate          = fmt.Errorf("%w: duplicate key", ErrConflict)
)

// StatusError reports a lifecycle transition attempted from the wrong status.
type StatusError struct {
	ID     string
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatch %s is %s", e.ID, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrConflict
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListChefs(ctx context.Context) ([]domain.Chef, error)
	GetChef(ctx context.Context, id string) (*domain.Chef, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	CreateBatch(ctx context.Context, batch domain.ProductionBatch) (*domain.ProductionBatch, error)
	GetBatchesByIDs(ctx context.Context, ids []string) (map[string]domain.ProductionBatch, error)
	ListBatches(ctx context.Context, location string) ([]domain.ProductionBatch, error)
	ListConfirmedEntries(ctx context.Context, location string) ([]domain.LedgerEntry, error)

	CreateDispatch(ctx context.Context, record domain.DispatchRecord) (*domain.DispatchRecord, error)
	GetDispatch(ctx context.Context, id string) (*domain.DispatchRecord, error)
	ListDispatches(ctx context.Context, location string, status string, limit int) ([]domain.DispatchRecord, error)
	ListDraftDispatchIDs(ctx context.Context, location string, dispatchType string) ([]string, error)
	ConfirmDispatch(ctx context.Context, id string, at time.Time) (*domain.DispatchRecord, error)
	CancelDispatch(ctx context.Context, id string, at time.Time) (*domain.DispatchRecord, error)

	CreatePackingSlip(ctx context.Context, slip domain.PackingSlip) (*domain.PackingSlip, error)
	GetPackingSlipByDispatch(ctx context.Context, dispatchID string) (*domain.PackingSlip, error)
	FinalizePackingSlip(ctx context.Context, dispatchID string, slipNumber string, at time.Time) (*domain.PackingSlip, error)
	ListPackingSlips(ctx context.Context, location string, from time.Time, to time.Time) ([]domain.PackingSlip, error)
	ListUnfinalizedConfirmedDispatchIDs(ctx context.Context) ([]string, error)

	ApplyStockTake(ctx context.Context, take domain.StockTake) (*domain.StockTake, error)
	FindStockTakeByFingerprint(ctx context.Context, fingerprint string) (*domain.StockTake, error)
	ListStockTakes(ctx context.Context, location string, from time.Time, to time.Time) ([]domain.StockTake, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, location string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
