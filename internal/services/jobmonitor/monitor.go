// -----------------------------------------------------------------------
// Job Monitor - polls one remote job until it reaches a terminal state
// -----------------------------------------------------------------------

package jobmonitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/poller"
	"github.com/ternarybob/permitwatch/internal/services/progress"
)

// DefaultPollInterval is the fixed delay between job fetches
const DefaultPollInterval = 5 * time.Second

// JobFailure is delivered to OnError when a job fails or disappears
type JobFailure struct {
	JobID    string
	Message  string
	NotFound bool                // the backend no longer knows the job id
	Snapshot *models.JobSnapshot // nil when NotFound
}

func (f *JobFailure) Error() string {
	return fmt.Sprintf("job %s failed: %s", f.JobID, f.Message)
}

// JobState is a consistent copy of everything a monitor knows
type JobState struct {
	JobID         string              `json:"job_id"`
	Status        models.JobStatus    `json:"status"`
	Snapshot      *models.JobSnapshot `json:"snapshot,omitempty"`
	Progress      models.ProgressView `json:"progress"`
	LastError     string              `json:"last_error,omitempty"` // most recent transient fetch error, cleared on success
	LastFetchedAt time.Time           `json:"last_fetched_at"`
	Active        bool                `json:"active"`
}

// MetricsRecorder receives scheduler activity and terminal outcomes
type MetricsRecorder interface {
	poller.Recorder
	JobFinished(status models.JobStatus)
}

// Option configures a Monitor
type Option func(*Monitor)

// WithInterval sets the poll interval
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger arbor.ILogger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventService publishes job_updated and terminal events
func WithEventService(events interfaces.EventService) Option {
	return func(m *Monitor) {
		m.events = events
	}
}

// WithMetrics records scheduler activity and outcomes
func WithMetrics(recorder MetricsRecorder) Option {
	return func(m *Monitor) {
		m.metrics = recorder
	}
}

// WithTerminalHook runs fn once when the job reaches a terminal state.
// It is independent of OnComplete and OnError.
func WithTerminalHook(fn func(JobState)) Option {
	return func(m *Monitor) {
		m.terminalHook = fn
	}
}

// Monitor tracks one job id through pending, running and a terminal state
type Monitor struct {
	jobID    string
	client   interfaces.ResourceClient
	interval time.Duration
	logger   arbor.ILogger
	events   interfaces.EventService
	metrics  MetricsRecorder

	terminalHook func(JobState)

	mu            sync.Mutex
	started       bool
	active        bool
	status        models.JobStatus
	snapshot      *models.JobSnapshot
	view          models.ProgressView
	lastErr       string
	lastFetchedAt time.Time
	scheduler     *poller.Scheduler

	// Terminal results, cached for late handler registration
	completed *models.JobSnapshot
	failure   *JobFailure

	onComplete func(*models.JobSnapshot)
	onError    func(*JobFailure)
	onUpdate   func(JobState)

	completeDelivered bool
	errorDelivered    bool
}

// New creates a monitor for jobID. Polling begins with Start.
func New(jobID string, client interfaces.ResourceClient, opts ...Option) *Monitor {
	m := &Monitor{
		jobID:    jobID,
		client:   client,
		interval: DefaultPollInterval,
		logger:   arbor.NewNoOpLogger(),
		status:   models.JobStatusPending,
	}
	for _, opt := range opts {
		opt(m)
	}

	cfg := poller.Config{
		Name:      "job:" + jobID,
		Tick:      m.tick,
		NextDelay: m.nextDelay,
		Logger:    m.logger,
	}
	if m.metrics != nil {
		cfg.Recorder = m.metrics
	}
	m.scheduler = poller.New(cfg)
	return m
}

// JobID returns the monitored job id
func (m *Monitor) JobID() string {
	return m.jobID
}

// Start begins polling with an immediate first fetch. Starting a monitor that
// was stopped, cancelled or already finished does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.active = true
	m.mu.Unlock()

	m.logger.Info().
		Str("job_id", m.jobID).
		Dur("interval", m.interval).
		Msg("Job monitor started")

	m.publish(ctx, interfaces.EventJobWatched, m.State())
	m.scheduler.Start()
}

// Stop halts polling. Responses already in flight are discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	wasActive := m.active
	m.active = false
	m.mu.Unlock()

	m.scheduler.Stop()
	if wasActive {
		m.logger.Debug().Str("job_id", m.jobID).Msg("Job monitor stopped")
	}
}

// Done is closed once polling has stopped for good
func (m *Monitor) Done() <-chan struct{} {
	return m.scheduler.Done()
}

// Cancel stops polling, marks the job cancelled locally and asks the backend
// to cancel it. The local state stays cancelled even when the request fails;
// the error is returned for the caller to surface. Cancelling a job that
// already reached a terminal state does nothing.
func (m *Monitor) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	m.status = models.JobStatusCancelled
	m.active = false
	m.mu.Unlock()

	m.scheduler.Stop()

	m.logger.Info().Str("job_id", m.jobID).Msg("Job cancellation requested")

	state := m.State()
	m.notifyUpdate(state)
	m.finish(ctx, state)

	if err := m.client.CancelJob(ctx, m.jobID); err != nil {
		m.logger.Warn().
			Err(err).
			Str("job_id", m.jobID).
			Msg("Backend cancel request failed, job remains cancelled locally")
		return fmt.Errorf("cancel job %s: %w", m.jobID, err)
	}
	return nil
}

// OnComplete registers the completion handler, replacing any previous one.
// It runs at most once per monitor; registering after completion replays the
// cached result immediately.
func (m *Monitor) OnComplete(handler func(*models.JobSnapshot)) {
	m.mu.Lock()
	m.onComplete = handler
	deliver := handler != nil && m.completed != nil && !m.completeDelivered
	if deliver {
		m.completeDelivered = true
	}
	result := m.completed
	m.mu.Unlock()

	if deliver {
		m.callComplete(handler, result)
	}
}

// OnError registers the failure handler with the same once-only semantics as OnComplete
func (m *Monitor) OnError(handler func(*JobFailure)) {
	m.mu.Lock()
	m.onError = handler
	deliver := handler != nil && m.failure != nil && !m.errorDelivered
	if deliver {
		m.errorDelivered = true
	}
	failure := m.failure
	m.mu.Unlock()

	if deliver {
		m.callError(handler, failure)
	}
}

// OnUpdate registers a handler called after every applied fetch and on cancellation
func (m *Monitor) OnUpdate(handler func(JobState)) {
	m.mu.Lock()
	m.onUpdate = handler
	m.mu.Unlock()
}

// State returns a copy of the monitor's current state
func (m *Monitor) State() JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Monitor) stateLocked() JobState {
	state := JobState{
		JobID:         m.jobID,
		Status:        m.status,
		Snapshot:      m.snapshot.Clone(),
		Progress:      m.view,
		LastError:     m.lastErr,
		LastFetchedAt: m.lastFetchedAt,
		Active:        m.active,
	}
	if m.view.Percent != nil {
		pct := *m.view.Percent
		state.Progress.Percent = &pct
	}
	if m.view.CurrentUnit != nil {
		u := *m.view.CurrentUnit
		state.Progress.CurrentUnit = &u
	}
	return state
}

func (m *Monitor) tick(ctx context.Context) error {
	snap, err := m.client.FetchJob(ctx, m.jobID)
	m.apply(ctx, snap, err)
	return err
}

func (m *Monitor) nextDelay(poller.Outcome) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.IsTerminal() || !m.active {
		return 0, false
	}
	return m.interval, true
}

// apply folds one fetch result into the monitor state
func (m *Monitor) apply(ctx context.Context, snap *models.JobSnapshot, err error) {
	if err != nil {
		m.applyError(ctx, err)
		return
	}
	if snap == nil {
		return
	}

	// Normalized outside the lock so a malformed snapshot cannot wedge the monitor
	view := progress.Normalize(snap)

	state, terminal, ok := m.fold(snap, view)
	if !ok {
		m.logger.Debug().Str("job_id", m.jobID).Msg("Discarding job fetch that finished after stop")
		return
	}

	m.logger.Debug().
		Str("job_id", m.jobID).
		Str("status", string(state.Status)).
		Int("percent", state.Progress.PercentOr(-1)).
		Msg("Job snapshot applied")

	m.notifyUpdate(state)
	m.publish(ctx, interfaces.EventJobUpdated, state)

	if terminal {
		m.afterTerminal(ctx)
	}
}

// fold records a fetched snapshot. ok is false when the monitor is no longer active.
func (m *Monitor) fold(snap *models.JobSnapshot, view models.ProgressView) (state JobState, terminal bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return JobState{}, false, false
	}

	m.lastFetchedAt = time.Now()
	m.lastErr = ""
	m.snapshot = snap.Clone()
	m.status = nextStatus(m.status, snap.Status)

	if m.status == models.JobStatusCompleted {
		view = progress.Complete(view)
	} else {
		view = progress.Clamp(m.view, view)
	}
	m.view = view

	terminal = m.status.IsTerminal()
	if terminal {
		m.active = false
		switch m.status {
		case models.JobStatusCompleted:
			m.completed = snap.Clone()
		case models.JobStatusFailed:
			msg := snap.ErrorMessage
			if msg == "" {
				msg = "job failed without an error message"
			}
			m.failure = &JobFailure{JobID: m.jobID, Message: msg, Snapshot: snap.Clone()}
		}
	}
	return m.stateLocked(), terminal, true
}

// applyError handles a failed fetch: not-found is terminal, anything else is retried
func (m *Monitor) applyError(ctx context.Context, err error) {
	notFound, ok := m.recordError(err)
	switch {
	case !ok:
		m.logger.Debug().Str("job_id", m.jobID).Msg("Discarding job fetch that finished after stop")
	case notFound:
		m.logger.Warn().Str("job_id", m.jobID).Msg("Job not found, treating as failed")
		m.afterTerminal(ctx)
	case errors.Is(err, interfaces.ErrTransient):
		m.logger.Warn().Err(err).Str("job_id", m.jobID).Msg("Transient job fetch failure, keeping last snapshot")
	default:
		m.logger.Error().Err(err).Str("job_id", m.jobID).Msg("Unexpected job fetch error, retrying on next tick")
	}
}

func (m *Monitor) recordError(err error) (notFound bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false, false
	}
	m.lastFetchedAt = time.Now()

	if !errors.Is(err, interfaces.ErrNotFound) {
		m.lastErr = err.Error()
		return false, true
	}

	m.status = models.JobStatusFailed
	m.active = false
	m.failure = &JobFailure{
		JobID:    m.jobID,
		Message:  fmt.Sprintf("job %s no longer exists on the server", m.jobID),
		NotFound: true,
	}
	m.lastErr = m.failure.Message
	return true, true
}

// nextStatus applies the state machine: terminal states absorb and a running
// job never moves back to pending
func nextStatus(current, reported models.JobStatus) models.JobStatus {
	if current.IsTerminal() || !reported.IsValid() {
		return current
	}
	if current == models.JobStatusRunning && reported == models.JobStatusPending {
		return current
	}
	return reported
}

// afterTerminal stops polling and delivers the cached result to any registered handler
func (m *Monitor) afterTerminal(ctx context.Context) {
	m.scheduler.Stop()

	m.mu.Lock()
	var complete func(*models.JobSnapshot)
	var onErr func(*JobFailure)
	if m.completed != nil && m.onComplete != nil && !m.completeDelivered {
		m.completeDelivered = true
		complete = m.onComplete
	}
	if m.failure != nil && m.onError != nil && !m.errorDelivered {
		m.errorDelivered = true
		onErr = m.onError
	}
	completed, failure := m.completed, m.failure
	state := m.stateLocked()
	m.mu.Unlock()

	if failure != nil && failure.NotFound {
		m.notifyUpdate(state)
	}

	m.logger.Info().
		Str("job_id", m.jobID).
		Str("status", string(state.Status)).
		Msg("Job reached terminal state")

	if complete != nil {
		m.callComplete(complete, completed)
	}
	if onErr != nil {
		m.callError(onErr, failure)
	}

	m.finish(ctx, state)
}

// finish publishes the terminal event and runs the terminal hook
func (m *Monitor) finish(ctx context.Context, state JobState) {
	if m.metrics != nil {
		m.metrics.JobFinished(state.Status)
	}

	switch state.Status {
	case models.JobStatusCompleted:
		m.publish(ctx, interfaces.EventJobCompleted, state)
	case models.JobStatusFailed:
		m.publish(ctx, interfaces.EventJobFailed, state)
	case models.JobStatusCancelled:
		m.publish(ctx, interfaces.EventJobCancelled, state)
	}

	if m.terminalHook != nil {
		common.SafeCall(m.logger, "job:"+m.jobID+":terminal", func() { m.terminalHook(state) })
	}
}

func (m *Monitor) notifyUpdate(state JobState) {
	m.mu.Lock()
	handler := m.onUpdate
	m.mu.Unlock()
	if handler != nil {
		common.SafeCall(m.logger, "job:"+m.jobID+":update", func() { handler(state) })
	}
}

func (m *Monitor) callComplete(handler func(*models.JobSnapshot), snap *models.JobSnapshot) {
	common.SafeCall(m.logger, "job:"+m.jobID+":complete", func() { handler(snap.Clone()) })
}

func (m *Monitor) callError(handler func(*JobFailure), failure *JobFailure) {
	f := *failure
	f.Snapshot = failure.Snapshot.Clone()
	common.SafeCall(m.logger, "job:"+m.jobID+":error", func() { handler(&f) })
}

// publish sends an event when an event service is configured.
// Cancelled contexts are replaced so terminal events still go out after Stop.
func (m *Monitor) publish(ctx context.Context, eventType interfaces.EventType, state JobState) {
	if m.events == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	payload := map[string]interface{}{
		"job_id":  state.JobID,
		"status":  string(state.Status),
		"percent": state.Progress.Percent,
		"state":   state,
	}
	if state.Snapshot != nil {
		payload["county_id"] = state.Snapshot.CountyID
		payload["job_type"] = state.Snapshot.JobType
		payload["leads_created"] = state.Snapshot.Metrics.LeadsCreated
	}
	if state.Status == models.JobStatusFailed && state.LastError != "" {
		payload["error"] = state.LastError
	} else if state.Status == models.JobStatusFailed && state.Snapshot != nil {
		payload["error"] = state.Snapshot.ErrorMessage
	}

	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish job event")
	}
}
