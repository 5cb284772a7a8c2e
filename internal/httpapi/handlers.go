package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/service"
	"kitchenledger/backend/internal/store"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	csvContentType  = "text/csv; charset=utf-8"
)

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleChefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	chefs, err := a.service.ListChefs(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chefs": chefs})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	customers, err := a.service.ListCustomers(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleBatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resp, err := a.service.ListBatches(r.Context(), r.URL.Query().Get("location"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.BatchCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		batch, err := a.service.CreateBatch(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	resp, err := a.service.Stock(r.Context(), query.Get("location"), query.Get("filter"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDispatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		limit := parsePositiveLimit(query.Get("limit"), 50, 200)
		resp, err := a.service.ListDispatches(r.Context(), query.Get("location"), query.Get("status"), limit)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.DispatchCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.CreateDraft(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleDispatchActions serves /api/v1/dispatches/{id} and its
// /confirm and /cancel transitions.
func (a *API) handleDispatchActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/dispatches/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || strings.TrimSpace(parts[0]) == "" {
		writeError(w, http.StatusNotFound, errors.New("unknown dispatch path"))
		return
	}
	dispatchID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.GetDispatch(r.Context(), dispatchID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "confirm":
		resp, err := a.service.Confirm(r.Context(), dispatchID)
		if err != nil {
			if resp.Dispatch.ID != "" {
				a.failWith(w, r, err, map[string]any{"dispatch": resp.Dispatch})
				return
			}
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "cancel":
		resp, err := a.service.Cancel(r.Context(), dispatchID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown dispatch action"))
	}
}

func (a *API) handlePackingSlips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	resp, err := a.service.ListPackingSlips(r.Context(), query.Get("location"), query.Get("from"), query.Get("to"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePackingSlip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	dispatchID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/packing-slips/"), "/")
	if dispatchID == "" || strings.Contains(dispatchID, "/") {
		writeError(w, http.StatusNotFound, errors.New("unknown packing slip path"))
		return
	}
	slip, err := a.service.GetPackingSlip(r.Context(), dispatchID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packing_slip": slip})
}

func (a *API) handleSlipRepair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	report, err := a.service.RepairUnfinalizedSlips(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleWorksheetExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	data, filename, err := a.service.ExportWorksheet(r.Context(), query.Get("location"), query.Get("stocktaker"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeDownload(w, xlsxContentType, filename, data)
}

func (a *API) handleWorksheetPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	data, err := readWorksheetUpload(w, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	preview, err := a.service.PreviewWorksheet(r.Context(), bytes.NewReader(data))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) handleReconciliationApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	data, err := readWorksheetUpload(w, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.service.ApplyReconciliation(r.Context(), uploadField(r, "location"), data)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleStockTakes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	takes, err := a.service.ListStockTakes(r.Context(), query.Get("location"), query.Get("from"), query.Get("to"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock_takes": takes})
}

func (a *API) handlePackingSlipExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	data, filename, err := a.service.ExportPackingSlipsCSV(r.Context(), query.Get("location"), query.Get("from"), query.Get("to"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeDownload(w, csvContentType, filename, data)
}

func (a *API) handleStockTakeExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	data, filename, err := a.service.ExportStockTakesCSV(r.Context(), query.Get("location"), query.Get("from"), query.Get("to"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeDownload(w, csvContentType, filename, data)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("location"), query.Get("date"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateStaff(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"staff": user})
	default:
		writeMethodNotAllowed(w)
	}
}

// readWorksheetUpload accepts either a multipart form with a "file" part or
// the raw workbook as the request body.
func readWorksheetUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxWorksheetBytes+64<<10)

	var src io.Reader = r.Body
	if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/") {
		if err := r.ParseMultipartForm(service.MaxWorksheetBytes); err != nil {
			return nil, uploadError(err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: worksheet file part is required", store.ErrInvalidTransaction)
		}
		defer func() { _ = file.Close() }()
		src = file
	}

	data, err := io.ReadAll(io.LimitReader(src, service.MaxWorksheetBytes+1))
	if err != nil {
		return nil, uploadError(err)
	}
	if len(data) > service.MaxWorksheetBytes {
		return nil, errUploadTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: worksheet is empty", store.ErrInvalidTransaction)
	}
	return data, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errUploadTooLarge
	}
	return fmt.Errorf("%w: read worksheet upload: %v", store.ErrInvalidTransaction, err)
}

// uploadField reads a value from the query string, falling back to the
// multipart form.
func uploadField(r *http.Request, key string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return v
	}
	if r.MultipartForm != nil {
		if values := r.MultipartForm.Value[key]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}
