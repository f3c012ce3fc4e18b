package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/autopull"
	"github.com/ternarybob/permitwatch/internal/services/health"
	"github.com/ternarybob/permitwatch/internal/services/jobmonitor"
)

// JobRegistry is the part of *jobmonitor.Registry the handlers use
type JobRegistry interface {
	Acquire(ctx context.Context, jobID string) (*jobmonitor.Handle, error)
	Release(h *jobmonitor.Handle)
	Adopt(ctx context.Context, jobID string) error
	Disown(jobID string) bool
	Lookup(jobID string) (*jobmonitor.Monitor, bool)
	Active() []string
}

// HealthSource is the part of *health.Monitor the handlers use
type HealthSource interface {
	Attach(observer health.Observer) (detach func())
	SetVisible(visible bool)
	Snapshot() *models.HealthSnapshot
	LastCheckedAt() time.Time
	Refresh(ctx context.Context) *models.HealthSnapshot
}

// AutoPuller reports and triggers scheduled pulls
type AutoPuller interface {
	Status() autopull.Status
	RunOnce(ctx context.Context) (*autopull.Result, error)
}
