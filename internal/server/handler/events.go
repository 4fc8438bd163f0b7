package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// EventLog replays recently published events.
type EventLog interface {
	Recent(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler serves /api/events.
type EventsHandler struct {
	log EventLog
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(log EventLog) *EventsHandler {
	return &EventsHandler{log: log}
}

type loggedEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// List returns events logged after the "after" id (default: from the
// start), at most limit (default 100, max 1000).
// GET /api/events?after=&limit=
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 1000)
	}

	msgs, err := h.log.Recent(r.Context(), q.Get("after"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]loggedEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, loggedEvent{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}
