package httpapi

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/service"
	"kitchenledger/backend/internal/store"
)

var errUploadTooLarge = errors.New("worksheet exceeds the upload limit")

// statusFor maps service errors onto HTTP statuses. Order matters: the
// malformed worksheet and sign-in errors wrap broader sentinels.
func statusFor(err error) int {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrWorksheetMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrSignInRequired):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.failWith(w, r, err, nil)
}

// failWith writes the mapped error plus any extra body fields, such as the
// confirmed dispatch when only its slip numbering failed.
func (a *API) failWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status := statusFor(err)
	entry := a.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	}).WithError(err)
	if status >= 500 {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	body := map[string]any{"error": publicMessage(status, err)}
	var vErr *service.ValidationError
	if errors.As(err, &vErr) {
		body["fields"] = vErr.Fields
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
