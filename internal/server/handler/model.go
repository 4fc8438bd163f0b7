package handler

import (
	"net/http"
	"strings"
)

// ModelHandler serves /api/ai/model.
type ModelHandler struct {
	ctl Controller
}

// NewModelHandler creates a ModelHandler.
func NewModelHandler(ctl Controller) *ModelHandler {
	return &ModelHandler{ctl: ctl}
}

type modelResponse struct {
	Current   string   `json:"current"`
	Available []string `json:"available"`
}

// Get returns the active and selectable oracle models.
// GET /api/ai/model
func (h *ModelHandler) Get(w http.ResponseWriter, _ *http.Request) {
	current, available := h.ctl.Model()
	if available == nil {
		available = []string{}
	}
	writeJSON(w, http.StatusOK, modelResponse{Current: current, Available: available})
}

// Set switches the oracle model.
// POST /api/ai/model {"model": "claude"}
func (h *ModelHandler) Set(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(w, r, &body); err != nil || strings.TrimSpace(body.Model) == "" {
		writeError(w, http.StatusBadRequest, `body must be {"model": "<name>"}`)
		return
	}
	if err := h.ctl.SetModel(r.Context(), body.Model); err != nil {
		writeDomainError(w, err)
		return
	}
	h.Get(w, r)
}
