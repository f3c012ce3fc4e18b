package jobmonitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
)

// fetchResult is one scripted FetchJob response. A non-nil gate holds the
// response until the gate is closed, like a transport that cannot be aborted.
type fetchResult struct {
	snap *models.JobSnapshot
	err  error
	gate chan struct{}
}

// fakeClient replays scripted results per job id; the last one repeats
type fakeClient struct {
	mu          sync.Mutex
	results     map[string][]fetchResult
	calls       map[string]int
	inFlight    int
	maxInFlight int
	cancelErr   error
	cancelled   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		results: make(map[string][]fetchResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeClient) script(jobID string, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = append(f.results[jobID], results...)
}

func (f *fakeClient) fetchCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

func (f *fakeClient) cancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeClient) FetchJob(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	f.mu.Lock()
	scripted := f.results[jobID]
	idx := f.calls[jobID]
	f.calls[jobID]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if len(scripted) == 0 {
		return nil, interfaces.ErrNotFound
	}
	if idx >= len(scripted) {
		idx = len(scripted) - 1
	}
	result := scripted[idx]
	if result.gate != nil {
		<-result.gate
	}
	return result.snap.Clone(), result.err
}

func (f *fakeClient) FetchHealth(ctx context.Context) (*models.HealthSnapshot, error) {
	return nil, interfaces.ErrTransient
}

func (f *fakeClient) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.JobSnapshot, error) {
	return &models.JobSnapshot{JobID: "new-" + req.CountyID, CountyID: req.CountyID, Status: models.JobStatusPending}, nil
}

func (f *fakeClient) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelErr
}

// memoryWatchList is an in-memory WatchListStorage
type memoryWatchList struct {
	mu      sync.Mutex
	entries map[string]interfaces.WatchEntry
}

func newMemoryWatchList(jobIDs ...string) *memoryWatchList {
	w := &memoryWatchList{entries: make(map[string]interfaces.WatchEntry)}
	for _, id := range jobIDs {
		w.entries[id] = interfaces.WatchEntry{JobID: id, AcquiredAt: time.Now()}
	}
	return w
}

func (w *memoryWatchList) Add(ctx context.Context, entry interfaces.WatchEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[entry.JobID] = entry
	return nil
}

func (w *memoryWatchList) Remove(ctx context.Context, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, jobID)
	return nil
}

func (w *memoryWatchList) List(ctx context.Context) ([]interfaces.WatchEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]interfaces.WatchEntry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (w *memoryWatchList) ids() []string {
	entries, _ := w.List(context.Background())
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.JobID)
	}
	return ids
}

func running(jobID string, percent int) *models.JobSnapshot {
	return &models.JobSnapshot{JobID: jobID, Status: models.JobStatusRunning, ProgressPercent: &percent}
}

func completed(jobID string, leads int) *models.JobSnapshot {
	return &models.JobSnapshot{
		JobID:   jobID,
		Status:  models.JobStatusCompleted,
		Metrics: models.JobMetrics{LeadsCreated: leads},
	}
}
