package handler

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SettingsHandler serves /api/settings.
type SettingsHandler struct {
	ctl Controller
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(ctl Controller) *SettingsHandler {
	return &SettingsHandler{ctl: ctl}
}

// Get returns every setting in minutes.
// GET /api/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Settings(r.Context()))
}

// Update applies a partial map of setting name to minutes. Every key is
// checked before any is written.
// PUT /api/settings
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var body map[domain.SettingKey]int
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "no settings given")
		return
	}

	keys := make([]domain.SettingKey, 0, len(body))
	for k, v := range body {
		if !k.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown setting %q", k))
			return
		}
		if v < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be positive", k))
			return
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		if err := h.ctl.UpdateSetting(r.Context(), k, body[k]); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.ctl.Settings(r.Context()))
}
