package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/models"
)

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Snapshot      *models.HealthSnapshot `json:"snapshot"`
	LastCheckedAt *time.Time             `json:"last_checked_at,omitempty"`
}

type HealthHandler struct {
	health HealthSource
	logger arbor.ILogger
}

func NewHealthHandler(health HealthSource, logger arbor.ILogger) *HealthHandler {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	return &HealthHandler{health: health, logger: logger}
}

// GetHealthHandler returns the cached backend health. Before any poll has
// landed it answers 503 so callers can tell "unknown yet" from "down".
func (h *HealthHandler) GetHealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	snap := h.health.Refresh(r.Context())
	if snap == nil {
		WriteError(w, http.StatusServiceUnavailable, "health not checked yet")
		return
	}

	resp := HealthResponse{Snapshot: snap}
	if checked := h.health.LastCheckedAt(); !checked.IsZero() {
		resp.LastCheckedAt = &checked
	}
	WriteJSON(w, http.StatusOK, resp)
}
