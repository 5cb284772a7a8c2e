package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/csvexport"
	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/worksheet"
	"kitchenledger/backend/internal/xid"
)

// MaxWorksheetBytes bounds an uploaded worksheet.
const MaxWorksheetBytes = 5 << 20

// ExportWorksheet renders the stock count sheet for a location from a fresh
// ledger read. A degraded read is refused because its system stock column
// would be wrong.
func (s *Service) ExportWorksheet(ctx context.Context, location string, stocktaker string) ([]byte, string, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return nil, "", err
	}
	snapshot, err := s.stockSnapshot(ctx, location)
	if err != nil {
		return nil, "", err
	}
	if snapshot.Degraded {
		return nil, "", ErrStockUnverified
	}

	f, filename, err := worksheet.Export(worksheet.Input{
		Location:   location,
		Stocks:     snapshot.Stocks,
		Today:      s.now(),
		Stocktaker: strings.TrimSpace(stocktaker),
	})
	if err != nil {
		return nil, "", fmt.Errorf("render worksheet: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", fmt.Errorf("render worksheet: %w", err)
	}
	return buf.Bytes(), filename, nil
}

// PreviewWorksheet parses an uploaded sheet without touching any batch.
func (s *Service) PreviewWorksheet(_ context.Context, r io.Reader) (domain.WorksheetPreview, error) {
	return worksheet.Parse(r)
}

// ApplyReconciliation adds each row's adjustment to its batch. Adjustments
// are additive, so a sheet whose content was applied before is rejected by
// its SHA-256 fingerprint. The location written in the sheet title wins over
// an empty request location and must agree with a given one. Only the first
// row for a batch counts.
func (s *Service) ApplyReconciliation(ctx context.Context, location string, data []byte) (domain.ReconciliationResult, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.ReconciliationResult{}, err
	}
	if location = strings.TrimSpace(location); location != "" {
		if location, err = s.resolveLocation(location); err != nil {
			return domain.ReconciliationResult{}, err
		}
	}

	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])
	if _, err := s.repo.FindStockTakeByFingerprint(ctx, fingerprint); err == nil {
		return domain.ReconciliationResult{}, ErrDuplicateWorksheet
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.ReconciliationResult{}, err
	}

	preview, err := worksheet.Parse(bytes.NewReader(data))
	if err != nil {
		return domain.ReconciliationResult{}, err
	}
	switch {
	case preview.Location == "":
	case location == "":
		location = preview.Location
	case location != preview.Location:
		return domain.ReconciliationResult{}, fmt.Errorf("%w: sheet counts %s stock, upload targets %s",
			ErrWorksheetMalformed, strings.ToUpper(preview.Location), strings.ToUpper(location))
	}
	if location, err = s.resolveLocation(location); err != nil {
		return domain.ReconciliationResult{}, err
	}

	batches, err := s.repo.ListBatches(ctx, location)
	if err != nil {
		return domain.ReconciliationResult{}, err
	}
	byNumber := make(map[string]domain.ProductionBatch, len(batches))
	for _, b := range batches {
		byNumber[strings.ToUpper(b.BatchNumber)] = b
	}

	result := domain.ReconciliationResult{}
	lines := make([]domain.StockTakeLine, 0, len(preview.Rows))
	counted := make(map[string]struct{}, len(preview.Rows))
	net := 0
	for _, row := range preview.Rows {
		batch, ok := byNumber[strings.ToUpper(row.BatchNumber)]
		if !ok {
			result.Unmatched = append(result.Unmatched, row.BatchNumber)
			continue
		}
		if _, seen := counted[batch.ID]; seen {
			result.Repeated = append(result.Repeated, row.RowNumber)
			continue
		}
		counted[batch.ID] = struct{}{}
		if row.Adjustment == 0 {
			result.Unchanged++
		}
		net += row.Adjustment
		lines = append(lines, domain.StockTakeLine{
			BatchID:       batch.ID,
			BatchNumber:   batch.BatchNumber,
			ProductName:   defaultString(row.ProductName, batch.ProductName),
			SystemStock:   row.SystemStock,
			PhysicalCount: row.PhysicalCount,
			Adjustment:    row.Adjustment,
			Notes:         row.Notes,
		})
	}

	applied, err := s.repo.ApplyStockTake(ctx, domain.StockTake{
		ID:             xid.New("stk"),
		Location:       location,
		StocktakerName: defaultString(preview.StocktakerName, actor.Username),
		StocktakerDate: defaultString(preview.StocktakerDate, s.now().Format(domain.DateLayout)),
		Fingerprint:    fingerprint,
		AppliedBy:      actor.Username,
		NetAdjustment:  net,
		CreatedAt:      s.now(),
		Lines:          lines,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.ReconciliationResult{}, ErrDuplicateWorksheet
		}
		return domain.ReconciliationResult{}, writeError(fmt.Errorf("apply stock take: %w", err))
	}

	for _, line := range applied.Lines {
		if line.Adjustment == 0 {
			continue
		}
		s.publish(ctx, events.AdjustmentApplied, location, "batch", line.BatchID,
			fmt.Sprintf("batch=%s,adjustment=%d,stock_take=%s", line.BatchNumber, line.Adjustment, applied.ID))
	}

	s.log.WithFields(logrus.Fields{
		"stock_take_id":  applied.ID,
		"location":       location,
		"lines":          len(applied.Lines),
		"unmatched":      len(result.Unmatched),
		"repeated":       len(result.Repeated),
		"net_adjustment": applied.NetAdjustment,
	}).Info("stock take applied")

	result.StockTake = *applied
	return result, nil
}

func (s *Service) ListStockTakes(ctx context.Context, location string, from string, to string) ([]domain.StockTake, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return nil, err
	}
	start, end, err := dayRange(from, to, s.now())
	if err != nil {
		return nil, err
	}
	return s.repo.ListStockTakes(ctx, location, start, end)
}

func (s *Service) ExportStockTakesCSV(ctx context.Context, location string, from string, to string) ([]byte, string, error) {
	takes, err := s.ListStockTakes(ctx, location, from, to)
	if err != nil {
		return nil, "", err
	}
	data, err := csvexport.StockTakes(takes)
	if err != nil {
		return nil, "", err
	}
	return data, csvexport.Filename(csvexport.ReportStockTakes, s.now()), nil
}
