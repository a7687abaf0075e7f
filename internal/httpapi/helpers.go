package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"conduit/internal/authz"
	"conduit/internal/costs"
	"conduit/internal/llm"
	"conduit/internal/runtime"
	"conduit/internal/store"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFromError maps the error taxonomy onto HTTP statuses.
func statusFromError(err error) int {
	var budgetErr *costs.BudgetExceededError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, runtime.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.As(err, &budgetErr):
		return http.StatusPaymentRequired
	case errors.Is(err, runtime.ErrThreadBusy), errors.Is(err, llm.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, llm.ErrContextTooLong), errors.Is(err, authz.ErrVisibility):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes an error with its mapped status, adding Retry-After on 429.
func fail(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	respondError(w, status, err)
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
