// Package worksheet writes and reads the physical stock count spreadsheet.
// The exporter and importer share one fixed layout: a title block, a header
// row whose first cell names the batch number column, one row per batch, and
// a trailing stocktaker block with "Name:" and "Date:" rows.
package worksheet

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
)

const SheetName = "Stock Verification"

const (
	StatusExpired = "EXPIRED"
	StatusValid   = "VALID"
)

var Headers = []string{
	"Batch Number",
	"Product Name",
	"Production Date",
	"Expiry Date",
	"Status",
	"System Stock",
	"Physical Count",
	"Notes",
}

const (
	colBatch = iota
	colProduct
	colProduction
	colExpiry
	colStatus
	colSystem
	colPhysical
	colNotes
)

const (
	stocktakerMarker = "Stocktaker"
	nameMarker       = "Name:"
	dateMarker       = "Date:"
	signatureMarker  = "Signature:"
)

const titlePrefix = "Stock Verification"

// maxCount bounds a single cell so adjustments fit the INTEGER columns.
const maxCount = math.MaxInt32

var (
	ErrMalformed = fmt.Errorf("%w: malformed worksheet", store.ErrInvalidTransaction)

	errNoHeader        = fmt.Errorf("%w: no batch number header row", ErrMalformed)
	errUnknownLocation = fmt.Errorf("%w: title names an unknown location", ErrMalformed)
)

type Input struct {
	Location   string
	Stocks     []domain.BatchStock
	Today      time.Time
	Stocktaker string
}

func Filename(location string, day time.Time) string {
	return fmt.Sprintf("Stock_Verification_%s_%s.xlsx", strings.ToUpper(location), day.Format(domain.DateLayout))
}

func ExpiryStatus(expiry time.Time, today time.Time) string {
	if dateOnly(expiry).Before(dateOnly(today)) {
		return StatusExpired
	}
	return StatusValid
}

// Export renders the worksheet for the given ledger snapshot.
func Export(in Input) (*excelize.File, string, error) {
	today := in.Today
	if today.IsZero() {
		today = time.Now()
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, "", err
	}

	boldStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, "", err
	}
	titleStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return nil, "", err
	}

	cells := []struct {
		cell  string
		value any
	}{
		{"A1", fmt.Sprintf("%s - %s", titlePrefix, strings.ToUpper(in.Location))},
		{"A2", "Generated:"},
		{"B2", today.Format(domain.DateLayout)},
	}
	for _, c := range cells {
		if err := f.SetCellValue(SheetName, c.cell, c.value); err != nil {
			return nil, "", err
		}
	}
	if err := f.SetCellStyle(SheetName, "A1", "A1", titleStyle); err != nil {
		return nil, "", err
	}

	const headerRow = 4
	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, headerRow)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return nil, "", err
		}
		if err := f.SetCellStyle(SheetName, cell, cell, boldStyle); err != nil {
			return nil, "", err
		}
	}

	row := headerRow + 1
	for _, stock := range in.Stocks {
		values := []any{
			stock.BatchNumber,
			stock.ProductName,
			stock.ProductionDate.Format(domain.DateLayout),
			stock.ExpiryDate.Format(domain.DateLayout),
			ExpiryStatus(stock.ExpiryDate, today),
			stock.PackagesInStock,
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return nil, "", err
			}
		}
		row++
	}

	row++
	trailer := [][2]string{
		{stocktakerMarker, ""},
		{nameMarker, in.Stocktaker},
		{dateMarker, ""},
		{signatureMarker, ""},
	}
	for _, line := range trailer {
		if err := f.SetCellValue(SheetName, fmt.Sprintf("A%d", row), line[0]); err != nil {
			return nil, "", err
		}
		if line[1] != "" {
			if err := f.SetCellValue(SheetName, fmt.Sprintf("B%d", row), line[1]); err != nil {
				return nil, "", err
			}
		}
		row++
	}

	colWidths := []float64{16, 28, 16, 14, 10, 14, 16, 30}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(SheetName, col, col, w); err != nil {
			return nil, "", err
		}
	}

	return f, Filename(in.Location, today), nil
}

// Parse reads a returned worksheet. Rows without a batch number or with a
// non-numeric system stock or physical count are skipped and listed by row
// number. A file without the header row is rejected as a whole.
func Parse(r io.Reader) (domain.WorksheetPreview, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return domain.WorksheetPreview{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer func() { _ = f.Close() }()

	sheet := SheetName
	if idx, err := f.GetSheetIndex(SheetName); err != nil || idx < 0 {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return domain.WorksheetPreview{}, errNoHeader
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return domain.WorksheetPreview{}, fmt.Errorf("read worksheet: %w", err)
	}
	return parseRows(rows)
}

func parseRows(rows [][]string) (domain.WorksheetPreview, error) {
	headerIdx := -1
	for i, row := range rows {
		if isHeaderLabel(cellAt(row, colBatch)) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return domain.WorksheetPreview{}, errNoHeader
	}
	location, err := titleLocation(rows[:headerIdx])
	if err != nil {
		return domain.WorksheetPreview{}, err
	}

	preview := domain.WorksheetPreview{Location: location, Rows: make([]domain.StockAdjustmentRow, 0, len(rows))}
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		first := strings.TrimSpace(cellAt(row, colBatch))
		if hasMarker(first, stocktakerMarker) {
			break
		}
		if isBlank(row) || hasMarker(first, nameMarker) || hasMarker(first, dateMarker) {
			continue
		}

		rowNumber := i + 1
		system, sysErr := parseCount(cellAt(row, colSystem))
		physical, physErr := parseCount(cellAt(row, colPhysical))
		if first == "" || sysErr != nil || physErr != nil {
			preview.SkippedRows = append(preview.SkippedRows, rowNumber)
			continue
		}

		adj := domain.StockAdjustmentRow{
			RowNumber:     rowNumber,
			BatchNumber:   first,
			ProductName:   strings.TrimSpace(cellAt(row, colProduct)),
			SystemStock:   system,
			PhysicalCount: physical,
			Adjustment:    physical - system,
			Notes:         strings.TrimSpace(cellAt(row, colNotes)),
		}
		preview.NetAdjustment += adj.Adjustment
		preview.Rows = append(preview.Rows, adj)
	}

	for i := headerIdx + 1; i < len(rows); i++ {
		first := strings.TrimSpace(cellAt(rows[i], colBatch))
		switch {
		case hasMarker(first, nameMarker):
			preview.StocktakerName = markerValue(rows[i], nameMarker)
		case hasMarker(first, dateMarker):
			preview.StocktakerDate = markerValue(rows[i], dateMarker)
		}
	}

	return preview, nil
}

// titleLocation reads the location from a "Stock Verification - KHIN" title
// above the header. Sheets without such a title yield an empty location.
func titleLocation(rows [][]string) (string, error) {
	for _, row := range rows {
		title := strings.TrimSpace(cellAt(row, 0))
		if !hasMarker(title, titlePrefix) {
			continue
		}
		_, suffix, found := strings.Cut(title[len(titlePrefix):], "-")
		if !found {
			return "", nil
		}
		location := strings.ToLower(strings.TrimSpace(suffix))
		if !domain.IsValidLocation(location) {
			return "", fmt.Errorf("%w: %q", errUnknownLocation, strings.TrimSpace(suffix))
		}
		return location, nil
	}
	return "", nil
}

func isHeaderLabel(cell string) bool {
	label := strings.ToLower(strings.TrimSpace(cell))
	return strings.HasPrefix(label, "batch") && (strings.Contains(label, "number") || strings.Contains(label, "no") || strings.Contains(label, "#"))
}

func hasMarker(cell string, marker string) bool {
	return strings.HasPrefix(strings.ToLower(cell), strings.ToLower(marker))
}

// markerValue accepts both "Name: Somchai" in one cell and "Name:" followed
// by the value in the next column.
func markerValue(row []string, marker string) string {
	inline := strings.TrimSpace(strings.TrimSpace(cellAt(row, 0))[len(marker):])
	if inline != "" {
		return inline
	}
	return strings.TrimSpace(cellAt(row, 1))
}

var errNotCount = errors.New("not a count")

func parseCount(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, errNotCount
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 || n > maxCount {
			return 0, errNotCount
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f > maxCount || f != math.Trunc(f) {
		return 0, errNotCount
	}
	return int(f), nil
}

func cellAt(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return ""
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
