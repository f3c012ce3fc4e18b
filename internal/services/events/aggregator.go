package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
)

// JobUpdateAggregator coalesces job update notifications for the dashboard.
// Instead of pushing every poll result, it pushes the jobs that changed:
// - every timeThreshold for jobs with pending updates
// - immediately when a job reaches a terminal state
type JobUpdateAggregator struct {
	mu            sync.Mutex
	timeThreshold time.Duration

	pending map[string]bool // job_id -> has unsent update

	// Callback that pushes the latest state of the given jobs
	onTrigger func(ctx context.Context, jobIDs []string, finished bool)

	logger arbor.ILogger
}

// NewJobUpdateAggregator creates an aggregator with time-based triggering
func NewJobUpdateAggregator(
	timeThreshold time.Duration,
	onTrigger func(ctx context.Context, jobIDs []string, finished bool),
	logger arbor.ILogger,
) *JobUpdateAggregator {
	if timeThreshold <= 0 {
		timeThreshold = time.Second
	}
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}

	return &JobUpdateAggregator{
		timeThreshold: timeThreshold,
		pending:       make(map[string]bool),
		onTrigger:     onTrigger,
		logger:        logger,
	}
}

// RecordUpdate marks a job as changed; it is pushed on the next periodic flush
func (a *JobUpdateAggregator) RecordUpdate(jobID string) {
	if jobID == "" {
		return
	}

	a.mu.Lock()
	a.pending[jobID] = true
	a.mu.Unlock()
}

// TriggerImmediately pushes a job now and drops any pending periodic update for it
func (a *JobUpdateAggregator) TriggerImmediately(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}

	a.mu.Lock()
	delete(a.pending, jobID)
	a.mu.Unlock()

	a.logger.Debug().
		Str("job_id", jobID).
		Msg("Job update aggregator: immediate trigger (job finished)")

	common.SafeCall(a.logger, "JobUpdateAggregator.onTrigger", func() {
		a.onTrigger(ctx, []string{jobID}, true)
	})
}

// StartPeriodicFlush starts a background goroutine that flushes every timeThreshold
// until ctx is cancelled
func (a *JobUpdateAggregator) StartPeriodicFlush(ctx context.Context) {
	common.SafeGo(a.logger, "JobUpdateAggregator.flush", func() {
		ticker := time.NewTicker(a.timeThreshold)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				a.Flush(context.Background())
				return
			case <-ticker.C:
				a.Flush(ctx)
			}
		}
	})
}

// Flush pushes every job with a pending update
func (a *JobUpdateAggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	jobIDs := make([]string, 0, len(a.pending))
	for jobID := range a.pending {
		jobIDs = append(jobIDs, jobID)
	}
	a.pending = make(map[string]bool)
	a.mu.Unlock()

	if len(jobIDs) == 0 {
		return
	}

	a.logger.Debug().
		Int("job_count", len(jobIDs)).
		Msg("Job update aggregator: periodic trigger")

	common.SafeCall(a.logger, "JobUpdateAggregator.onTrigger", func() {
		a.onTrigger(ctx, jobIDs, false)
	})
}

// Forget drops tracking for a job that is no longer watched
func (a *JobUpdateAggregator) Forget(jobID string) {
	a.mu.Lock()
	delete(a.pending, jobID)
	a.mu.Unlock()
}
