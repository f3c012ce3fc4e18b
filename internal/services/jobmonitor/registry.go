package jobmonitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
)

// Handle is one holder's claim on a job monitor. Handles for the same job id
// share a single monitor; the monitor stops when the last handle is released.
type Handle struct {
	id       uint64
	jobID    string
	monitor  *Monitor
	released bool // guarded by Registry.mu
}

// JobID returns the job the handle watches
func (h *Handle) JobID() string {
	return h.jobID
}

// Monitor returns the shared monitor behind the handle
func (h *Handle) Monitor() *Monitor {
	return h.monitor
}

type registryEntry struct {
	monitor *Monitor
	refs    int
}

// Registry owns every job monitor in the process and guarantees that
// releasing a handle stops its scheduler once nothing else holds it
type Registry struct {
	client  interfaces.ResourceClient
	store   interfaces.WatchListStorage
	events  interfaces.EventService
	logger  arbor.ILogger
	options []Option

	mu       sync.Mutex
	entries  map[string]*registryEntry
	restored map[string]*Handle // handles held by the registry itself, see Adopt
	nextID   uint64
	closed   bool
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithWatchList persists acquired job ids so they can be restored after restart
func WithWatchList(store interfaces.WatchListStorage) RegistryOption {
	return func(r *Registry) {
		r.store = store
	}
}

// WithMonitorOptions applies opts to every monitor the registry creates
func WithMonitorOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.options = append(r.options, opts...)
	}
}

// WithRegistryEvents publishes job_watched and job_released events
func WithRegistryEvents(events interfaces.EventService) RegistryOption {
	return func(r *Registry) {
		r.events = events
	}
}

// WithRegistryLogger sets a logger
func WithRegistryLogger(logger arbor.ILogger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(client interfaces.ResourceClient, opts ...RegistryOption) *Registry {
	r := &Registry{
		client:   client,
		logger:   arbor.NewNoOpLogger(),
		entries:  make(map[string]*registryEntry),
		restored: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns a handle on the monitor for jobID, starting one if needed
func (r *Registry) Acquire(ctx context.Context, jobID string) (*Handle, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("job registry closed")
	}

	entry, exists := r.entries[jobID]
	if !exists {
		opts := append([]Option{WithLogger(r.logger), WithEventService(r.events)}, r.options...)
		opts = append(opts, WithTerminalHook(r.onTerminal))
		entry = &registryEntry{monitor: New(jobID, r.client, opts...)}
		r.entries[jobID] = entry
	}
	entry.refs++
	r.nextID++
	handle := &Handle{id: r.nextID, jobID: jobID, monitor: entry.monitor}
	refs := entry.refs
	r.mu.Unlock()

	if !exists {
		if r.store != nil {
			if err := r.store.Add(ctx, interfaces.WatchEntry{JobID: jobID, AcquiredAt: time.Now()}); err != nil {
				r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to persist watched job")
			}
		}
		entry.monitor.Start(ctx)
	}

	r.logger.Debug().
		Str("job_id", jobID).
		Int("refs", refs).
		Msg("Job monitor acquired")

	return handle, nil
}

// Release drops a handle. Releasing twice is harmless. The last release of a
// job stops its monitor and removes it from the watch list.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	if h.released {
		r.mu.Unlock()
		return
	}
	h.released = true

	entry, ok := r.entries[h.jobID]
	if !ok || entry.monitor != h.monitor {
		r.mu.Unlock()
		return
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(r.entries, h.jobID)
	}
	if r.restored[h.jobID] == h {
		delete(r.restored, h.jobID)
	}
	r.mu.Unlock()

	if !last {
		return
	}

	h.monitor.Stop()
	r.forget(h.jobID)
	r.publish(interfaces.EventJobReleased, h.jobID)

	r.logger.Debug().Str("job_id", h.jobID).Msg("Job monitor released")
}

// Rebind moves a handle to another job: the old claim is released before the
// new one is acquired, so one holder never keeps two schedulers alive
func (r *Registry) Rebind(ctx context.Context, h *Handle, jobID string) (*Handle, error) {
	if h != nil && h.jobID == jobID {
		r.mu.Lock()
		released := h.released
		r.mu.Unlock()
		if !released {
			return h, nil
		}
	}
	r.Release(h)
	return r.Acquire(ctx, jobID)
}

// Lookup returns the live monitor for jobID without taking a claim on it
func (r *Registry) Lookup(jobID string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[jobID]
	if !ok {
		return nil, false
	}
	return entry.monitor, true
}

// Active returns the ids of every job with a live monitor, sorted
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Adopt starts monitoring jobID on behalf of nobody in particular: the registry
// holds the handle itself and releases it when the job reaches a terminal state.
// Adopting a job that is already adopted does nothing.
func (r *Registry) Adopt(ctx context.Context, jobID string) error {
	h, err := r.Acquire(ctx, jobID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	_, already := r.restored[jobID]
	if !already && !h.monitor.State().Status.IsTerminal() {
		r.restored[jobID] = h
		h = nil
	}
	r.mu.Unlock()

	// Already adopted, or the job finished during Acquire
	if h != nil {
		r.Release(h)
	}
	return nil
}

// Disown releases the registry's own handle on jobID, as taken by Adopt.
// It reports whether there was one.
func (r *Registry) Disown(jobID string) bool {
	r.mu.Lock()
	h := r.restored[jobID]
	r.mu.Unlock()
	if h == nil {
		return false
	}
	r.Release(h)
	return true
}

// Restore adopts every job on the watch list
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	entries, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list watched jobs: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if err := r.Adopt(ctx, entry.JobID); err != nil {
			return restored, fmt.Errorf("failed to restore job %s: %w", entry.JobID, err)
		}
		restored++
	}

	r.logger.Info().Int("count", restored).Msg("Restored watched jobs")
	return restored, nil
}

// Close stops every monitor. Later Acquire calls fail. The watch list is kept
// so the jobs are restored on the next start.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	monitors := make([]*Monitor, 0, len(r.entries))
	for _, entry := range r.entries {
		monitors = append(monitors, entry.monitor)
	}
	r.entries = make(map[string]*registryEntry)
	r.restored = make(map[string]*Handle)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
	r.logger.Debug().Int("count", len(monitors)).Msg("Job registry closed")
}

// onTerminal drops finished jobs from the watch list and lets go of adopted handles
func (r *Registry) onTerminal(state JobState) {
	r.forget(state.JobID)

	r.mu.Lock()
	h := r.restored[state.JobID]
	r.mu.Unlock()
	if h != nil {
		r.Release(h)
	}
}

func (r *Registry) forget(jobID string) {
	if r.store == nil {
		return
	}
	if err := r.store.Remove(context.Background(), jobID); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to remove job from watch list")
	}
}

func (r *Registry) publish(eventType interfaces.EventType, jobID string) {
	if r.events == nil {
		return
	}
	event := interfaces.Event{Type: eventType, Payload: map[string]interface{}{"job_id": jobID}}
	if err := r.events.Publish(context.Background(), event); err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish registry event")
	}
}
