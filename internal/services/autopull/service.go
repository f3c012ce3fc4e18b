// -----------------------------------------------------------------------
// Auto-pull - cron-driven incremental pulls for configured counties
// -----------------------------------------------------------------------

package autopull

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
)

// JobAdopter takes ownership of monitoring a newly created job
type JobAdopter interface {
	Adopt(ctx context.Context, jobID string) error
}

// Result summarises one pull cycle
type Result struct {
	Created map[string]string `json:"created"` // county -> job id
	Skipped []string          `json:"skipped"` // counties that already had an active job
	Failed  map[string]string `json:"failed"`  // county -> error message
}

// Status is a snapshot of the service for the API
type Status struct {
	Running   bool       `json:"running"`
	Schedule  string     `json:"schedule"`
	Counties  []string   `json:"counties"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Service creates incremental_pull jobs on a cron schedule and hands every
// new job to the registry so it is monitored until it finishes
type Service struct {
	client  interfaces.ResourceClient
	adopter JobAdopter
	config  common.AutoPullConfig
	logger  arbor.ILogger
	cron    *cron.Cron

	mu           sync.Mutex
	running      bool
	isProcessing bool
	entryID      cron.EntryID
	lastRun      *time.Time
	lastError    string
}

// NewService creates an idle auto-pull service
func NewService(client interfaces.ResourceClient, adopter JobAdopter, config common.AutoPullConfig, logger arbor.ILogger) *Service {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	return &Service{
		client:  client,
		adopter: adopter,
		config:  config,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the cron entry and starts the cron runner
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("auto-pull already running")
	}
	if len(s.config.Counties) == 0 {
		return fmt.Errorf("auto-pull has no counties configured")
	}

	entryID, err := s.cron.AddFunc(s.config.Schedule, s.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to add auto-pull schedule %q: %w", s.config.Schedule, err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Strs("counties", s.config.Counties).
		Int("days_back", s.config.DaysBack).
		Msg("Auto-pull scheduler started")
	return nil
}

// Stop halts the cron runner and waits for a cycle in progress to finish
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Auto-pull scheduler stopped")
}

// Status reports schedule and last-run details
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:   s.running,
		Schedule:  s.config.Schedule,
		Counties:  append([]string(nil), s.config.Counties...),
		LastRun:   s.lastRun,
		LastError: s.lastError,
	}
	if s.running {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

func (s *Service) runScheduled() {
	common.SafeCall(s.logger, "autopull", func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Auto-pull cycle skipped")
		}
	})
}

// RunOnce creates one job per configured county. Counties that already have a
// job running are skipped; other failures are collected and logged.
func (s *Service) RunOnce(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.isProcessing {
		s.mu.Unlock()
		return nil, fmt.Errorf("previous auto-pull cycle still running")
	}
	s.isProcessing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isProcessing = false
		s.mu.Unlock()
	}()

	start := time.Now()
	result := &Result{
		Created: make(map[string]string),
		Failed:  make(map[string]string),
	}

	for _, county := range s.config.Counties {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		jobID, err := s.pullCounty(ctx, county)
		switch {
		case err == nil:
			result.Created[county] = jobID
		case errors.Is(err, interfaces.ErrConflict):
			result.Skipped = append(result.Skipped, county)
			s.logger.Info().Str("county_id", county).Msg("County already has an active job, skipping")
		default:
			result.Failed[county] = err.Error()
			s.logger.Error().Err(err).Str("county_id", county).Msg("Auto-pull failed for county")
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.lastError = ""
	if len(result.Failed) > 0 {
		s.lastError = fmt.Sprintf("%d of %d counties failed", len(result.Failed), len(s.config.Counties))
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("created", len(result.Created)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Auto-pull cycle completed")
	return result, nil
}

func (s *Service) pullCounty(ctx context.Context, county string) (string, error) {
	params := map[string]interface{}{"days_back": s.config.DaysBack}
	if s.config.PermitType != "" {
		params["permit_type"] = s.config.PermitType
	}

	snap, err := s.client.CreateJob(ctx, &models.CreateJobRequest{
		CountyID:   county,
		JobType:    models.JobTypeIncrementalPull,
		Parameters: params,
	})
	if err != nil {
		return "", err
	}

	if err := s.adopter.Adopt(ctx, snap.JobID); err != nil {
		return snap.JobID, fmt.Errorf("job %s created but not monitored: %w", snap.JobID, err)
	}

	s.logger.Info().
		Str("county_id", county).
		Str("job_id", snap.JobID).
		Msg("Incremental pull started")
	return snap.JobID, nil
}
