package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Live dashboard updates
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Backend health
	mux.HandleFunc("/api/health", s.app.HealthHandler.GetHealthHandler) // GET - cached snapshot, refreshed when nobody polls

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list watched), POST (create + watch)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET/DELETE /{id}, POST /{id}/cancel

	// API routes - Auto-pull
	mux.HandleFunc("/api/autopull", s.app.AutoPullHandler.StatusHandler)  // GET - schedule and last run
	mux.HandleFunc("/api/autopull/run", s.app.AutoPullHandler.RunHandler) // POST - run one cycle now

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// 404 handler for unmatched API routes
	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

// handleJobsRoute routes /api/jobs
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.JobHandler.ListJobsHandler,
		s.app.JobHandler.CreateJobHandler,
	)
}

// handleJobRoutes routes /api/jobs/{id} and its sub-resources
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
		{Suffix: "/cancel", Handler: s.app.JobHandler.CancelJobHandler},
	}) {
		return
	}

	if strings.Contains(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/") {
		s.handleNotFound(w, r)
		return
	}

	RouteResourceItem(w, r,
		s.app.JobHandler.GetJobHandler,
		nil,
		s.app.JobHandler.UnwatchJobHandler,
	)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.app.APIHandler.NotFoundHandler(w, r)
}
