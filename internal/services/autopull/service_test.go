package autopull

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
)

type mockAdopter struct {
	mock.Mock
}

func (m *mockAdopter) Adopt(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

// createClient answers CreateJob with a per-county error, or a new job id
type createClient struct {
	mu       sync.Mutex
	errs     map[string]error
	requests []models.CreateJobRequest
	block    chan struct{}
}

func (c *createClient) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.JobSnapshot, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, *req)
	if err := c.errs[req.CountyID]; err != nil {
		return nil, err
	}
	return &models.JobSnapshot{JobID: "job-" + req.CountyID, CountyID: req.CountyID, Status: models.JobStatusPending}, nil
}

func (c *createClient) FetchJob(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	return nil, interfaces.ErrNotFound
}

func (c *createClient) FetchHealth(ctx context.Context) (*models.HealthSnapshot, error) {
	return nil, interfaces.ErrTransient
}

func (c *createClient) CancelJob(ctx context.Context, jobID string) error {
	return nil
}

func testConfig(counties ...string) common.AutoPullConfig {
	return common.AutoPullConfig{
		Enabled:    true,
		Schedule:   "0 * * * *",
		Counties:   counties,
		DaysBack:   3,
		PermitType: "building",
	}
}

func TestRunOnce_CreatesAndAdoptsJobs(t *testing.T) {
	client := &createClient{errs: map[string]error{
		"dallas": fmt.Errorf("county busy: %w", interfaces.ErrConflict),
		"travis": fmt.Errorf("backend exploded: %w", interfaces.ErrTransient),
	}}
	adopter := &mockAdopter{}
	adopter.On("Adopt", mock.Anything, "job-harris").Return(nil).Once()

	svc := NewService(client, adopter, testConfig("harris", "dallas", "travis"), arbor.NewNoOpLogger())
	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"harris": "job-harris"}, result.Created)
	assert.Equal(t, []string{"dallas"}, result.Skipped)
	assert.Contains(t, result.Failed["travis"], "backend exploded")
	adopter.AssertExpectations(t)

	require.Len(t, client.requests, 3)
	req := client.requests[0]
	assert.Equal(t, models.JobTypeIncrementalPull, req.JobType)
	assert.Equal(t, 3, req.Parameters["days_back"])
	assert.Equal(t, "building", req.Parameters["permit_type"])

	status := svc.Status()
	assert.NotNil(t, status.LastRun)
	assert.Equal(t, "1 of 3 counties failed", status.LastError)
	assert.False(t, status.Running)
}

func TestRunOnce_AdoptFailureIsReported(t *testing.T) {
	adopter := &mockAdopter{}
	adopter.On("Adopt", mock.Anything, "job-harris").Return(errors.New("job registry closed"))

	svc := NewService(&createClient{}, adopter, testConfig("harris"), nil)
	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Created)
	assert.Contains(t, result.Failed["harris"], "not monitored")
}

func TestRunOnce_SkipsWhenPreviousCycleRunning(t *testing.T) {
	client := &createClient{block: make(chan struct{})}
	adopter := &mockAdopter{}
	adopter.On("Adopt", mock.Anything, mock.Anything).Return(nil)
	svc := NewService(client, adopter, testConfig("harris"), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.RunOnce(context.Background())
	}()

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.isProcessing
	}, waitFor, waitTick)

	_, err := svc.RunOnce(context.Background())
	assert.Error(t, err)

	close(client.block)
	<-done
}

func TestRunOnce_StopsOnCancelledContext(t *testing.T) {
	client := &createClient{}
	svc := NewService(client, &mockAdopter{}, testConfig("harris", "dallas"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.requests)
}

func TestStart_ValidatesConfiguration(t *testing.T) {
	svc := NewService(&createClient{}, &mockAdopter{}, testConfig(), nil)
	assert.Error(t, svc.Start(), "no counties")

	bad := testConfig("harris")
	bad.Schedule = "every now and then"
	svc = NewService(&createClient{}, &mockAdopter{}, bad, nil)
	assert.Error(t, svc.Start())
}

func TestStartStop(t *testing.T) {
	svc := NewService(&createClient{}, &mockAdopter{}, testConfig("harris"), nil)
	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start(), "already running")

	status := svc.Status()
	assert.True(t, status.Running)
	require.NotNil(t, status.NextRun)
	assert.Equal(t, 0, status.NextRun.Minute())

	svc.Stop()
	svc.Stop()
	assert.False(t, svc.Status().Running)
}

const (
	waitFor  = 2 * time.Second
	waitTick = time.Millisecond
)
