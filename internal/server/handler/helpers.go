// Package handler implements the control API endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// writeJSON marshals v as JSON and writes it with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps err onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		rateLimited *domain.RateLimitedError
		transient   *domain.TransientNetworkError
		invalid     *domain.InvalidResponseError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrLockHeld):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoPosition), errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownModel), errors.Is(err, domain.ErrInvalidSetting),
		errors.Is(err, domain.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.As(err, &rateLimited):
		if rateLimited.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds()+0.5)))
		}
		status = http.StatusTooManyRequests
	case errors.As(err, &transient), errors.As(err, &invalid):
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a JSON body of at most 64 KiB into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseListOpts reads limit (default 50, max 500), offset and an RFC 3339
// since from the query string.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	opts := domain.ListOpts{Limit: limit}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &ts
	}
	return opts
}
