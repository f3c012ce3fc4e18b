package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
)

type AutoPullHandler struct {
	puller AutoPuller
	logger arbor.ILogger
}

func NewAutoPullHandler(puller AutoPuller, logger arbor.ILogger) *AutoPullHandler {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	return &AutoPullHandler{puller: puller, logger: logger}
}

// StatusHandler reports the auto-pull schedule and last run
func (h *AutoPullHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if h.puller == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"running": false})
		return
	}
	WriteJSON(w, http.StatusOK, h.puller.Status())
}

// RunHandler runs one pull cycle now
func (h *AutoPullHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if h.puller == nil {
		WriteError(w, http.StatusNotFound, "auto-pull is disabled")
		return
	}

	result, err := h.puller.RunOnce(r.Context())
	if err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info().
		Int("created", len(result.Created)).
		Int("skipped", len(result.Skipped)).
		Msg("Manual auto-pull cycle finished")
	WriteJSON(w, http.StatusOK, result)
}
