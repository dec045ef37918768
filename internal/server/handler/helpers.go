package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/streambet/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps a service error onto an HTTP status and a message that is
// safe to show to the caller. Unknown errors become a bare 500.
func statusFor(err error) (int, string) {
	var remote *domain.RemoteError
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidDefinition),
		errors.Is(err, domain.ErrNegativeAllocation),
		errors.Is(err, domain.ErrAllocationMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotAuthority):
		return http.StatusForbidden, domain.ErrNotAuthority.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrNotFound.Error()
	case errors.Is(err, domain.ErrMarketNotOpen):
		return http.StatusConflict, domain.ErrMarketNotOpen.Error()
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict, domain.ErrSessionClosed.Error()
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict, "session changed concurrently, retry"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, domain.ErrAlreadyExists.Error()
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, "a settlement cycle is already running"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, domain.ErrInsufficientBalance.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrNotAuthenticated),
		errors.Is(err, domain.ErrAuthInProgress),
		errors.Is(err, domain.ErrConnection):
		return http.StatusServiceUnavailable, "coordinator unavailable"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, domain.ErrTimeout.Error()
	case errors.As(err, &remote):
		return http.StatusBadGateway, remote.Message
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeServiceError maps err to a response and logs anything that is not
// the caller's fault.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
