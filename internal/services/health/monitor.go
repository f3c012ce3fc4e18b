// -----------------------------------------------------------------------
// Health Monitor - shared, visibility-aware polling of backend health
// -----------------------------------------------------------------------

package health

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/poller"
)

// Intervals holds the poll delay for each observed status category
type Intervals struct {
	Healthy  time.Duration
	Degraded time.Duration
	Down     time.Duration
}

// DefaultIntervals polls quickly while the backend is in trouble
func DefaultIntervals() Intervals {
	return Intervals{
		Healthy:  30 * time.Second,
		Degraded: 10 * time.Second,
		Down:     5 * time.Second,
	}
}

// For returns the delay for status. Unknown is treated like down.
func (i Intervals) For(status models.HealthStatus) time.Duration {
	switch status {
	case models.HealthHealthy:
		return i.Healthy
	case models.HealthDegraded:
		return i.Degraded
	default:
		return i.Down
	}
}

// IntervalFor returns the default delay for status
func IntervalFor(status models.HealthStatus) time.Duration {
	return DefaultIntervals().For(status)
}

// Observer receives every new health snapshot. Observers run on the polling
// goroutine and must not block; slow consumers should hand off to their own
// goroutine.
type Observer func(*models.HealthSnapshot)

// MetricsRecorder receives scheduler activity and each observed status
type MetricsRecorder interface {
	poller.Recorder
	HealthObserved(status models.HealthStatus)
}

// Option configures a Monitor
type Option func(*Monitor)

// WithIntervals overrides the per-status poll delays; zero values keep the default
func WithIntervals(intervals Intervals) Option {
	return func(m *Monitor) {
		if intervals.Healthy > 0 {
			m.intervals.Healthy = intervals.Healthy
		}
		if intervals.Degraded > 0 {
			m.intervals.Degraded = intervals.Degraded
		}
		if intervals.Down > 0 {
			m.intervals.Down = intervals.Down
		}
	}
}

// WithSuspendCheck sets how often a hidden monitor re-checks visibility
func WithSuspendCheck(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.suspendCheck = interval
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

// WithEventService publishes health_updated and health_changed events
func WithEventService(events interfaces.EventService) Option {
	return func(m *Monitor) {
		m.events = events
	}
}

// WithMetrics records scheduler activity and observed statuses
func WithMetrics(recorder MetricsRecorder) Option {
	return func(m *Monitor) {
		m.metrics = recorder
	}
}

type observerEntry struct {
	id uint64
	fn Observer
}

// Monitor is the process-wide view of backend health. Any number of observers
// share one cached snapshot and one fetch per tick. Polling runs only while at
// least one observer is attached.
type Monitor struct {
	client       interfaces.ResourceClient
	intervals    Intervals
	suspendCheck time.Duration
	logger       arbor.ILogger
	events       interfaces.EventService
	metrics      MetricsRecorder

	mu            sync.Mutex
	observers     []observerEntry
	nextObserver  uint64
	scheduler     *poller.Scheduler
	run           uint64 // bumped on every start and stop, stale ticks compare against it
	visible       bool
	snapshot      *models.HealthSnapshot
	lastCheckedAt time.Time
}

// NewMonitor creates an idle monitor. It starts polling on the first Attach.
func NewMonitor(client interfaces.ResourceClient, opts ...Option) *Monitor {
	m := &Monitor{
		client:       client,
		intervals:    DefaultIntervals(),
		suspendCheck: poller.DefaultSuspendCheckInterval,
		logger:       arbor.NewNoOpLogger(),
		visible:      true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach registers an observer and returns its detach func. The first attach
// starts polling; detaching the last observer stops it. A new observer gets
// the cached snapshot right away when one exists.
func (m *Monitor) Attach(observer Observer) (detach func()) {
	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observerEntry{id: id, fn: observer})
	var scheduler *poller.Scheduler
	if len(m.observers) == 1 {
		scheduler = m.startLocked()
	}
	cached := m.snapshot.Clone()
	count := len(m.observers)
	m.mu.Unlock()

	m.logger.Debug().Int("observers", count).Msg("Health observer attached")

	if cached != nil && observer != nil {
		m.deliver(observer, cached)
	}
	if scheduler != nil {
		scheduler.Start()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.detach(id) })
	}
}

func (m *Monitor) detach(id uint64) {
	m.mu.Lock()
	for i, entry := range m.observers {
		if entry.id == id {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			break
		}
	}
	var scheduler *poller.Scheduler
	if len(m.observers) == 0 && m.scheduler != nil {
		scheduler = m.scheduler
		m.scheduler = nil
		m.run++
	}
	count := len(m.observers)
	m.mu.Unlock()

	m.logger.Debug().Int("observers", count).Msg("Health observer detached")

	if scheduler != nil {
		scheduler.Stop()
		m.logger.Info().Msg("Health monitoring stopped, no observers left")
	}
}

// startLocked builds a fresh scheduler for a new polling run; caller holds mu
func (m *Monitor) startLocked() *poller.Scheduler {
	m.run++
	run := m.run

	cfg := poller.Config{
		Name:                 "health",
		Tick:                 func(ctx context.Context) error { return m.tick(ctx, run) },
		NextDelay:            m.nextDelay,
		IsSuspended:          m.isSuspended,
		SuspendCheckInterval: m.suspendCheck,
		Logger:               m.logger,
	}
	if m.metrics != nil {
		cfg.Recorder = m.metrics
	}
	m.scheduler = poller.New(cfg)

	m.logger.Info().
		Dur("healthy_interval", m.intervals.Healthy).
		Dur("degraded_interval", m.intervals.Degraded).
		Dur("down_interval", m.intervals.Down).
		Msg("Health monitoring started")
	return m.scheduler
}

// SetVisible records whether anyone is looking. Hidden suspends polling;
// becoming visible again fetches immediately instead of waiting for the timer.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	wasVisible := m.visible
	m.visible = visible
	scheduler := m.scheduler
	m.mu.Unlock()

	if wasVisible == visible {
		return
	}
	m.logger.Debug().Bool("visible", visible).Msg("Health visibility changed")

	if visible && scheduler != nil {
		scheduler.Trigger()
	}
}

// Visible reports the current visibility
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Snapshot returns a copy of the cached snapshot, or nil before the first fetch
func (m *Monitor) Snapshot() *models.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Clone()
}

// LastCheckedAt is the time of the last applied fetch, successful or not
func (m *Monitor) LastCheckedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckedAt
}

// Observers returns the number of attached observers
func (m *Monitor) Observers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// Refresh returns the cached snapshot while polling is running, which is nil
// until the first tick lands. With no observers attached it performs a single
// fetch and caches the result.
func (m *Monitor) Refresh(ctx context.Context) *models.HealthSnapshot {
	m.mu.Lock()
	polling := m.scheduler != nil
	cached := m.snapshot.Clone()
	run := m.run
	m.mu.Unlock()

	if polling {
		return cached
	}

	snap, err := m.client.FetchHealth(ctx)
	m.apply(ctx, run, snap, err)
	return m.Snapshot()
}

func (m *Monitor) isSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.visible
}

func (m *Monitor) nextDelay(poller.Outcome) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return m.intervals.Healthy, true
	}
	return m.intervals.For(m.snapshot.Status), true
}

func (m *Monitor) tick(ctx context.Context, run uint64) error {
	snap, err := m.client.FetchHealth(ctx)
	m.apply(ctx, run, snap, err)
	return err
}

// apply caches a fetch result. Failures become a synthetic down snapshot.
// Results from a run that has since stopped are dropped.
func (m *Monitor) apply(ctx context.Context, run uint64, snap *models.HealthSnapshot, err error) {
	now := time.Now()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Health check failed, reporting backend down")
		snap = models.DownSnapshot(err, now)
	} else if snap == nil {
		snap = models.DownSnapshot(nil, now)
	} else {
		snap = snap.Clone()
		snap.Status = snap.Status.Normalize()
	}

	m.mu.Lock()
	if run != m.run {
		m.mu.Unlock()
		m.logger.Debug().Msg("Discarding health fetch that finished after stop")
		return
	}
	previous := models.HealthUnknown
	first := m.snapshot == nil
	if !first {
		previous = m.snapshot.Status
	}
	m.snapshot = snap
	m.lastCheckedAt = now
	observers := make([]Observer, 0, len(m.observers))
	for _, entry := range m.observers {
		if entry.fn != nil {
			observers = append(observers, entry.fn)
		}
	}
	m.mu.Unlock()

	changed := first || previous != snap.Status
	if changed {
		m.logger.Info().
			Str("previous_status", string(previous)).
			Str("status", string(snap.Status)).
			Msg("Backend health changed")
	}

	if m.metrics != nil {
		m.metrics.HealthObserved(snap.Status)
	}
	for _, observer := range observers {
		m.deliver(observer, snap.Clone())
	}

	m.publish(ctx, interfaces.EventHealthUpdated, snap, previous)
	if changed {
		m.publish(ctx, interfaces.EventHealthChanged, snap, previous)
	}
}

func (m *Monitor) deliver(observer Observer, snap *models.HealthSnapshot) {
	common.SafeCall(m.logger, "health:observer", func() { observer(snap) })
}

func (m *Monitor) publish(ctx context.Context, eventType interfaces.EventType, snap *models.HealthSnapshot, previous models.HealthStatus) {
	if m.events == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	payload := map[string]interface{}{
		"status":          string(snap.Status),
		"previous_status": string(previous),
		"snapshot":        snap,
	}
	if snap.Error != "" {
		payload["error"] = snap.Error
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish health event")
	}
}
