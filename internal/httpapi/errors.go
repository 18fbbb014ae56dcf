package httpapi

import (
	"errors"
	"net/http"

	"tourguide.org/internal/audit"
	"tourguide.org/internal/auth"
	"tourguide.org/internal/obs"
)

const bearerChallenge = `Bearer realm="tourguide"`

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeServiceError maps auth errors to statuses. Storage failures never leak their cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", bearerChallenge)
		writeError(w, r, http.StatusUnauthorized, auth.Kind(err), "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, auth.Kind(err), "access denied")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", "resource already exists")
	case errors.Is(err, auth.ErrStorageUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "service temporarily unavailable")
	default:
		obs.Logger().ErrorContext(r.Context(), "unhandled service error",
			"request_id", audit.RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
