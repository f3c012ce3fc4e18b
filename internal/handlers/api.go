package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
)

type APIHandler struct {
	logger     arbor.ILogger
	instanceID string
}

func NewAPIHandler(instanceID string, logger arbor.ILogger) *APIHandler {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	return &APIHandler{
		logger:     logger,
		instanceID: instanceID,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":     common.Version,
		"build":       common.Build,
		"git_commit":  common.GitCommit,
		"instance_id": h.instanceID,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
