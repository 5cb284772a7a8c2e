package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/worksheet"
)

// Every error below wraps one of the store sentinels so callers that only
// classify by sentinel keep working.
var (
	ErrInvalidLocation  = fmt.Errorf("%w: location must be tothai or khin", store.ErrInvalidTransaction)
	ErrCustomerRequired = fmt.Errorf("%w: customer is required for external dispatches", store.ErrInvalidTransaction)
	ErrEmptyItems       = fmt.Errorf("%w: dispatch needs at least one item", store.ErrInvalidTransaction)
	ErrInvalidQuantity  = fmt.Errorf("%w: item quantity must be positive", store.ErrInvalidTransaction)
	ErrUnknownBatch     = fmt.Errorf("%w: batch not found at this location", store.ErrInvalidTransaction)
	ErrUnknownReference = fmt.Errorf("%w: unknown product or chef", store.ErrInvalidTransaction)
	ErrInvalidDates     = fmt.Errorf("%w: expiry date must not be before production date", store.ErrInvalidTransaction)
	ErrNoItems          = fmt.Errorf("%w: dispatch has no items", store.ErrInvalidTransaction)

	ErrDispatchNotFound = fmt.Errorf("%w: dispatch not found", store.ErrNotFound)

	ErrAlreadyConfirmed    = fmt.Errorf("%w: dispatch already confirmed", store.ErrConflict)
	ErrAlreadyCancelled    = fmt.Errorf("%w: dispatch already cancelled", store.ErrConflict)
	ErrSlipNumberExhausted = fmt.Errorf("%w: could not allocate a unique slip number", store.ErrConflict)
	ErrDuplicateWorksheet  = fmt.Errorf("%w: worksheet was already applied", store.ErrConflict)
	ErrDuplicateBatch      = fmt.Errorf("%w: batch number already used at this location", store.ErrConflict)
	ErrInsufficientStock   = fmt.Errorf("%w: confirmed quantity exceeds batch stock", store.ErrConflict)

	ErrSignInRequired = fmt.Errorf("%w: sign in required", store.ErrPermissionDenied)
	ErrAdminRequired  = fmt.Errorf("%w: admin role required", store.ErrPermissionDenied)

	ErrWorksheetMalformed = worksheet.ErrMalformed

	// ErrStockUnverified means dispatch history could not be read, so an
	// operation that needs exact stock refused to guess.
	ErrStockUnverified = errors.New("stock could not be verified, dispatch history is unavailable")
)

// ValidationError lists request fields that failed their validate tags,
// keyed by JSON path.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, field+" ("+tag+")")
	}
	sort.Strings(parts)
	return "invalid fields: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error {
	return store.ErrInvalidTransaction
}
