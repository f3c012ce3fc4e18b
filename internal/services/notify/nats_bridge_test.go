package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/services/events"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *recordingPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func TestSubject(t *testing.T) {
	b := NewBridge(nil, "pw.", "", nil)
	assert.Equal(t, "pw.job.completed", b.Subject(interfaces.EventJobCompleted))
	assert.Equal(t, "pw.job.released", b.Subject(interfaces.EventJobReleased))
	assert.Equal(t, "pw.health", b.Subject(interfaces.EventHealthChanged))

	assert.Equal(t, "permitwatch.job.failed", NewBridge(nil, "", "", nil).Subject(interfaces.EventJobFailed))
}

func TestBridgeForwardsSelectedEvents(t *testing.T) {
	bus := events.NewService(arbor.NewNoOpLogger())
	defer bus.Close()

	pub := &recordingPublisher{}
	bridge := NewBridge(pub, "pw", "pw_1", arbor.NewNoOpLogger())
	require.NoError(t, bridge.Start(bus))
	require.NoError(t, bridge.Start(bus))

	ctx := context.Background()
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: map[string]interface{}{"job_id": "job-1", "leads_created": 42},
	}))
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobUpdated,
		Payload: map[string]interface{}{"job_id": "job-1"},
	}))

	msgs := pub.messages()
	require.Len(t, msgs, 1, "job_updated is not forwarded and a second Start does not double subscribe")
	assert.Equal(t, "pw.job.completed", msgs[0].subject)

	var msg struct {
		Type      string                 `json:"type"`
		Instance  string                 `json:"instance"`
		Timestamp time.Time              `json:"timestamp"`
		Data      map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].data, &msg))
	assert.Equal(t, "job_completed", msg.Type)
	assert.Equal(t, "pw_1", msg.Instance)
	assert.Equal(t, "job-1", msg.Data["job_id"])
	assert.EqualValues(t, 42, msg.Data["leads_created"])
	assert.False(t, msg.Timestamp.IsZero())
}

func TestBridgeStopUnsubscribes(t *testing.T) {
	bus := events.NewService(arbor.NewNoOpLogger())
	defer bus.Close()

	pub := &recordingPublisher{}
	bridge := NewBridge(pub, "pw", "", nil)
	require.NoError(t, bridge.Start(bus))
	bridge.Stop()
	bridge.Stop()

	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventHealthChanged}))
	assert.Empty(t, pub.messages())
}

func TestBridgeReportsPublishFailure(t *testing.T) {
	bus := events.NewService(arbor.NewNoOpLogger())
	defer bus.Close()

	bridge := NewBridge(&recordingPublisher{err: errors.New("nats: connection closed")}, "pw", "", nil)
	require.NoError(t, bridge.Start(bus))

	err := bus.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed})
	assert.Error(t, err)
}

func TestBridgeWithoutPublisherIsNoOp(t *testing.T) {
	bridge := NewBridge(nil, "pw", "", nil)
	assert.NoError(t, bridge.forward(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}))
}
