// -----------------------------------------------------------------------
// NATS bridge - forwards job lifecycle and health changes to subscribers
// outside the process
// -----------------------------------------------------------------------

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
)

// DefaultSubjectPrefix is used when no prefix is configured
const DefaultSubjectPrefix = "permitwatch"

// forwardedEvents are the events worth telling the outside world about.
// Per-tick job_updated and health_updated are not forwarded.
var forwardedEvents = []interfaces.EventType{
	interfaces.EventJobWatched,
	interfaces.EventJobReleased,
	interfaces.EventJobCompleted,
	interfaces.EventJobFailed,
	interfaces.EventJobCancelled,
	interfaces.EventHealthChanged,
}

// Publisher is the part of *nats.Conn the bridge needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published on every subject
type Message struct {
	Type      string      `json:"type"`
	Instance  string      `json:"instance"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Connect dials NATS with reconnects that never give up
func Connect(url string, logger arbor.ILogger) (*nats.Conn, error) {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	nc, err := nats.Connect(url,
		nats.Name("permitwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Bridge subscribes to the event service and republishes selected events
type Bridge struct {
	publisher Publisher
	prefix    string
	instance  string
	logger    arbor.ILogger

	mu      sync.Mutex
	events  interfaces.EventService
	handler interfaces.EventHandler
}

// NewBridge creates a bridge. A nil publisher makes every publish a no-op.
func NewBridge(publisher Publisher, prefix, instance string, logger arbor.ILogger) *Bridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	b := &Bridge{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "."),
		instance:  instance,
		logger:    logger,
	}
	b.handler = b.forward
	return b
}

// Start subscribes the bridge to every forwarded event type
func (b *Bridge) Start(events interfaces.EventService) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil {
		return nil
	}
	for _, eventType := range forwardedEvents {
		if err := events.Subscribe(eventType, b.handler); err != nil {
			return fmt.Errorf("subscribe bridge to %s: %w", eventType, err)
		}
	}
	b.events = events
	b.logger.Info().Str("prefix", b.prefix).Msg("NATS bridge started")
	return nil
}

// Stop unsubscribes from the event service. The connection is left to its owner.
func (b *Bridge) Stop() {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.mu.Unlock()

	if events == nil {
		return
	}
	for _, eventType := range forwardedEvents {
		if err := events.Unsubscribe(eventType, b.handler); err != nil {
			b.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Bridge unsubscribe failed")
		}
	}
}

// Subject maps an event type to its NATS subject:
// job_completed -> <prefix>.job.completed, health_changed -> <prefix>.health
func (b *Bridge) Subject(eventType interfaces.EventType) string {
	name := string(eventType)
	if rest, ok := strings.CutPrefix(name, "job_"); ok {
		return b.prefix + ".job." + rest
	}
	if strings.HasPrefix(name, "health_") {
		return b.prefix + ".health"
	}
	return b.prefix + "." + name
}

func (b *Bridge) forward(ctx context.Context, event interfaces.Event) error {
	if b.publisher == nil {
		return nil
	}

	data, err := json.Marshal(Message{
		Type:      string(event.Type),
		Instance:  b.instance,
		Timestamp: time.Now().UTC(),
		Data:      event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	subject := b.Subject(event.Type)
	if err := b.publisher.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish to NATS")
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	b.logger.Trace().Str("subject", subject).Int("bytes", len(data)).Msg("Published event to NATS")
	return nil
}
