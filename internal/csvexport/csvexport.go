// Package csvexport renders the semicolon separated report downloads.
// Every field is quoted, including numbers and empty values.
package csvexport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"kitchenledger/backend/internal/domain"
)

const (
	ReportPackingSlips = "Packing_Slips"
	ReportStockTakes   = "Stock_Takes"
)

var PackingSlipHeader = []string{
	"Slip Number",
	"Dispatch ID",
	"Location",
	"Destination",
	"Prepared By",
	"Picked Up By",
	"Pickup Date",
	"Total Items",
	"Total Packages",
	"Batch IDs",
	"Finalized At",
}

var StockTakeHeader = []string{
	"Stock Take ID",
	"Location",
	"Stocktaker",
	"Stocktaker Date",
	"Applied By",
	"Applied At",
	"Batch Number",
	"Product Name",
	"System Stock",
	"Physical Count",
	"Adjustment",
	"Notes",
}

func Filename(report string, day time.Time) string {
	return fmt.Sprintf("%s_%s.csv", report, day.Format(domain.DateLayout))
}

// Writer emits records with ';' separators and CRLF line endings.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(record []string) error {
	for i, field := range record {
		if i > 0 {
			if err := w.w.WriteByte(';'); err != nil {
				return err
			}
		}
		if _, err := w.w.WriteString(quote(field)); err != nil {
			return err
		}
	}
	_, err := w.w.WriteString("\r\n")
	return err
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

func quote(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

func PackingSlips(slips []domain.PackingSlip) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(PackingSlipHeader); err != nil {
		return nil, err
	}
	for _, slip := range slips {
		finalized := ""
		if slip.FinalizedAt != nil {
			finalized = slip.FinalizedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			slip.SlipNumber,
			slip.DispatchID,
			slip.Location,
			slip.Destination,
			slip.PreparedBy,
			slip.PickedUpBy,
			formatDate(slip.PickupDate),
			strconv.Itoa(slip.TotalItems),
			strconv.Itoa(slip.TotalPackages),
			strings.Join(slip.BatchIDs, ","),
			finalized,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StockTakes writes one line per counted batch so a take with several lines
// repeats its header fields.
func StockTakes(takes []domain.StockTake) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(StockTakeHeader); err != nil {
		return nil, err
	}
	for _, take := range takes {
		for _, line := range take.Lines {
			record := []string{
				take.ID,
				take.Location,
				take.StocktakerName,
				take.StocktakerDate,
				take.AppliedBy,
				take.CreatedAt.UTC().Format(time.RFC3339),
				line.BatchNumber,
				line.ProductName,
				strconv.Itoa(line.SystemStock),
				strconv.Itoa(line.PhysicalCount),
				strconv.Itoa(line.Adjustment),
				line.Notes,
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(domain.DateLayout)
}
