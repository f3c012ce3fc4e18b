package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/permitwatch/internal/models"
)

// ErrNotFound is returned when the backend does not know the requested job id
// (for example after a server restart evicted it). Monitors treat it as terminal.
var ErrNotFound = errors.New("resource not found")

// ErrTransient marks network failures and 5xx responses. Monitors keep their
// last good snapshot and retry on the next tick.
var ErrTransient = errors.New("transient fetch failure")

// ErrConflict is returned when the job's state forbids the request: CreateJob
// while the county already has an active job, CancelJob on a finished job
var ErrConflict = errors.New("conflicting job state")

// ResourceClient fetches point-in-time snapshots of remote job and health
// resources. Implementations own transport, auth and per-call timeouts; they
// do not retry beyond what the transport does.
type ResourceClient interface {
	// FetchJob returns the current snapshot of a job.
	// Errors wrap ErrNotFound or ErrTransient; anything else is a programming error.
	FetchJob(ctx context.Context, jobID string) (*models.JobSnapshot, error)

	// FetchHealth returns the aggregate health of the backend
	FetchHealth(ctx context.Context) (*models.HealthSnapshot, error)

	// CreateJob submits a new job and returns its initial snapshot
	CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.JobSnapshot, error)

	// CancelJob asks the backend to stop a pending or running job
	CancelJob(ctx context.Context, jobID string) error
}
