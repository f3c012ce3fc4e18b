package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
)

func TestService_PublishSyncDeliversToAllSubscribers(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger())
	defer service.Close()

	var count int32
	handler := func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	}
	require.NoError(t, service.Subscribe(interfaces.EventJobCompleted, handler))
	require.NoError(t, service.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&count, 10)
		return nil
	}))

	err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobCompleted})
	require.NoError(t, err)
	assert.Equal(t, int32(11), atomic.LoadInt32(&count))

	// Other event types are not delivered
	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}))
	assert.Equal(t, int32(11), atomic.LoadInt32(&count))
}

func TestService_PublishSyncReportsHandlerErrors(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger())
	boom := errors.New("boom")

	require.NoError(t, service.Subscribe(interfaces.EventHealthChanged, func(ctx context.Context, event interfaces.Event) error {
		return boom
	}))

	err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventHealthChanged})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestService_PublishIsAsync(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger())
	received := make(chan interfaces.Event, 1)

	require.NoError(t, service.Subscribe(interfaces.EventJobUpdated, func(ctx context.Context, event interfaces.Event) error {
		received <- event
		return nil
	}))

	payload := map[string]interface{}{"job_id": "job-1"}
	require.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobUpdated, Payload: payload}))

	select {
	case event := <-received:
		assert.Equal(t, interfaces.EventJobUpdated, event.Type)
		assert.Equal(t, payload, event.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestService_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger())

	var delivered int32
	require.NoError(t, service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		panic("bad subscriber")
	}))
	require.NoError(t, service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}))

	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func namedHandlerA(ctx context.Context, event interfaces.Event) error { return nil }
func namedHandlerB(ctx context.Context, event interfaces.Event) error { return nil }

func TestService_Unsubscribe(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger()).(*Service)

	require.NoError(t, service.Subscribe(interfaces.EventJobWatched, namedHandlerA))
	require.NoError(t, service.Subscribe(interfaces.EventJobWatched, namedHandlerB))

	require.NoError(t, service.Unsubscribe(interfaces.EventJobWatched, namedHandlerA))
	assert.Len(t, service.handlersFor(interfaces.EventJobWatched), 1)

	err := service.Unsubscribe(interfaces.EventJobWatched, namedHandlerA)
	assert.Error(t, err)
}

func TestService_SubscribeAfterClose(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger())
	require.NoError(t, service.Close())

	err := service.Subscribe(interfaces.EventJobWatched, namedHandlerA)
	assert.Error(t, err)
	assert.Error(t, service.Subscribe(interfaces.EventJobWatched, nil))
}

func TestSubscribeLoggerToAllEvents(t *testing.T) {
	service := NewService(arbor.NewNoOpLogger()).(*Service)

	require.NoError(t, SubscribeLoggerToAllEvents(service, arbor.NewNoOpLogger()))
	for _, eventType := range interfaces.AllEventTypes {
		assert.Len(t, service.handlersFor(eventType), 1, string(eventType))
	}

	err := service.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobFailed,
		Payload: map[string]interface{}{"job_id": "job-9", "error": "no such job"},
	})
	assert.NoError(t, err)
}

func TestJobUpdateAggregator_FlushCoalesces(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	var finishedFlags []bool

	agg := NewJobUpdateAggregator(time.Hour, func(ctx context.Context, jobIDs []string, finished bool) {
		mu.Lock()
		defer mu.Unlock()
		sorted := append([]string(nil), jobIDs...)
		sort.Strings(sorted)
		batches = append(batches, sorted)
		finishedFlags = append(finishedFlags, finished)
	}, arbor.NewNoOpLogger())

	agg.RecordUpdate("job-b")
	agg.RecordUpdate("job-a")
	agg.RecordUpdate("job-a")
	agg.RecordUpdate("")
	agg.Flush(context.Background())
	agg.Flush(context.Background()) // nothing pending

	agg.RecordUpdate("job-c")
	agg.TriggerImmediately(context.Background(), "job-c")
	agg.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"job-a", "job-b"}, batches[0])
	assert.False(t, finishedFlags[0])
	assert.Equal(t, []string{"job-c"}, batches[1])
	assert.True(t, finishedFlags[1])
}

func TestJobUpdateAggregator_PeriodicFlush(t *testing.T) {
	flushed := make(chan []string, 4)
	agg := NewJobUpdateAggregator(10*time.Millisecond, func(ctx context.Context, jobIDs []string, finished bool) {
		flushed <- jobIDs
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.StartPeriodicFlush(ctx)
	agg.RecordUpdate("job-1")

	select {
	case ids := <-flushed:
		assert.Equal(t, []string{"job-1"}, ids)
	case <-time.After(time.Second):
		t.Fatal("periodic flush did not fire")
	}
}
