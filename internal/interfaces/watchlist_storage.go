package interfaces

import (
	"context"
	"time"
)

// WatchEntry records a job id the host is monitoring
type WatchEntry struct {
	JobID      string    `json:"job_id" badgerhold:"key"`
	CountyID   string    `json:"county_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// WatchListStorage persists the set of watched job ids so monitoring resumes
// after a restart
type WatchListStorage interface {
	Add(ctx context.Context, entry WatchEntry) error
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]WatchEntry, error)
}
