package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/health"
	"github.com/ternarybob/permitwatch/internal/services/jobmonitor"
)

const waitFor = 2 * time.Second

// fakeBackend serves job and health resources from in-memory state
type fakeBackend struct {
	mu        sync.Mutex
	jobs      map[string]models.JobStatus
	health    models.HealthStatus
	nextID    int
	created   []*models.CreateJobRequest
	createErr error
	cancelErr error
	cancelled []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs:   make(map[string]models.JobStatus),
		health: models.HealthHealthy,
	}
}

func (f *fakeBackend) setJob(jobID string, status models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = status
}

func (f *fakeBackend) cancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeBackend) FetchJob(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.jobs[jobID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &models.JobSnapshot{
		JobID:    jobID,
		JobType:  models.JobTypeIncrementalPull,
		CountyID: "county-1",
		Status:   status,
	}, nil
}

func (f *fakeBackend) FetchHealth(ctx context.Context) (*models.HealthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.HealthSnapshot{Status: f.health, Components: map[string]models.ComponentHealth{}}, nil
}

func (f *fakeBackend) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	jobID := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[jobID] = models.JobStatusRunning
	f.created = append(f.created, req)
	return &models.JobSnapshot{JobID: jobID, JobType: req.JobType, CountyID: req.CountyID, Status: models.JobStatusPending}, nil
}

func (f *fakeBackend) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.jobs[jobID] = models.JobStatusCancelled
	return nil
}

func newTestRegistry(t *testing.T, backend *fakeBackend, events interfaces.EventService) *jobmonitor.Registry {
	t.Helper()
	logger := arbor.NewNoOpLogger()
	registry := jobmonitor.NewRegistry(backend,
		jobmonitor.WithRegistryLogger(logger),
		jobmonitor.WithRegistryEvents(events),
		jobmonitor.WithMonitorOptions(jobmonitor.WithInterval(10*time.Millisecond)),
	)
	t.Cleanup(registry.Close)
	return registry
}

func newTestHealth(backend *fakeBackend) *health.Monitor {
	return health.NewMonitor(backend,
		health.WithLogger(arbor.NewNoOpLogger()),
		health.WithSuspendCheck(5*time.Millisecond),
		health.WithIntervals(health.Intervals{Healthy: time.Hour, Degraded: time.Hour, Down: time.Hour}),
	)
}
