package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// WatchListStorage keeps the ids of jobs being monitored, keyed by job id
type WatchListStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWatchListStorage creates a WatchListStorage over db
func NewWatchListStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WatchListStorage {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	return &WatchListStorage{
		db:     db,
		logger: logger,
	}
}

// Add upserts an entry; re-adding a job keeps its original AcquiredAt
func (s *WatchListStorage) Add(ctx context.Context, entry interfaces.WatchEntry) error {
	entry.JobID = strings.TrimSpace(entry.JobID)
	if entry.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if entry.AcquiredAt.IsZero() {
		entry.AcquiredAt = time.Now()
	}

	var existing interfaces.WatchEntry
	err := s.db.Store().Get(entry.JobID, &existing)
	switch {
	case err == nil:
		entry.AcquiredAt = existing.AcquiredAt
		if entry.CountyID == "" {
			entry.CountyID = existing.CountyID
		}
	case !errors.Is(err, badgerhold.ErrNotFound):
		return fmt.Errorf("failed to read watch entry %s: %w", entry.JobID, err)
	}

	if err := s.db.Store().Upsert(entry.JobID, &entry); err != nil {
		return fmt.Errorf("failed to save watch entry %s: %w", entry.JobID, err)
	}

	s.logger.Trace().Str("job_id", entry.JobID).Msg("Watch entry saved")
	return nil
}

// Remove deletes an entry. Removing an unknown job id is not an error.
func (s *WatchListStorage) Remove(ctx context.Context, jobID string) error {
	err := s.db.Store().Delete(strings.TrimSpace(jobID), interfaces.WatchEntry{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete watch entry %s: %w", jobID, err)
	}
	return nil
}

// List returns every entry, oldest first
func (s *WatchListStorage) List(ctx context.Context) ([]interfaces.WatchEntry, error) {
	var entries []interfaces.WatchEntry
	if err := s.db.Store().Find(&entries, nil); err != nil {
		return nil, fmt.Errorf("failed to list watch entries: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].AcquiredAt.Equal(entries[j].AcquiredAt) {
			return entries[i].JobID < entries[j].JobID
		}
		return entries[i].AcquiredAt.Before(entries[j].AcquiredAt)
	})
	return entries, nil
}
