package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/events"
	"github.com/ternarybob/permitwatch/internal/services/jobmonitor"
	"golang.org/x/time/rate"
)

const (
	writeTimeout = 10 * time.Second

	// Inbound message budget per connection
	clientMessageRate  = 20
	clientMessageBurst = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboard is served from the same host in every deployment
	},
}

// WSMessage is every frame sent to a dashboard client
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// clientMessage is every frame a dashboard client may send
type clientMessage struct {
	Type    string `json:"type"` // visibility, watch, unwatch, cancel, ping
	JobID   string `json:"job_id,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex

	mu           sync.Mutex
	visible      bool
	handles      map[string]*jobmonitor.Handle
	detachHealth func()

	// Latest health snapshot not yet written; drained by pumpHealth
	health chan *models.HealthSnapshot
	done   chan struct{}
}

// offerHealth queues snap for the client's writer without blocking,
// replacing any snapshot still waiting to be sent
func (c *wsClient) offerHealth(snap *models.HealthSnapshot) {
	for {
		select {
		case c.health <- snap:
			return
		default:
		}
		select {
		case <-c.health:
		default:
		}
	}
}

func (c *wsClient) watching(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[jobID]
	return ok
}

// WebSocketHandler serves the live dashboard. Every connection holds its own
// health observer and one registry handle per watched job, so monitoring stops
// as soon as the last interested client goes away.
type WebSocketHandler struct {
	logger           arbor.ILogger
	registry         JobRegistry
	health           HealthSource
	eventService     interfaces.EventService
	aggregator       *events.JobUpdateAggregator
	serverInstanceID string

	mu      sync.RWMutex
	clients map[*wsClient]bool

	jobHandler interfaces.EventHandler
	subscribed bool
	cancel     context.CancelFunc
}

func NewWebSocketHandler(registry JobRegistry, health HealthSource, eventService interfaces.EventService, instanceID string, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	h := &WebSocketHandler{
		logger:           logger,
		registry:         registry,
		health:           health,
		eventService:     eventService,
		serverInstanceID: instanceID,
		clients:          make(map[*wsClient]bool),
	}
	h.jobHandler = h.handleJobEvent

	throttle := time.Second
	if config != nil {
		throttle = config.JobThrottle()
	}
	h.aggregator = events.NewJobUpdateAggregator(throttle, h.pushJobStates, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.aggregator.StartPeriodicFlush(ctx)

	logger.Debug().
		Str("server_instance_id", instanceID).
		Dur("job_update_throttle", throttle).
		Msg("WebSocket handler initialized")
	return h
}

// SubscribeToJobEvents forwards monitor events to the clients watching each job
func (h *WebSocketHandler) SubscribeToJobEvents() error {
	if h.eventService == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribed {
		return nil
	}
	for _, eventType := range jobEventTypes {
		if err := h.eventService.Subscribe(eventType, h.jobHandler); err != nil {
			return err
		}
	}
	h.subscribed = true
	return nil
}

var jobEventTypes = []interfaces.EventType{
	interfaces.EventJobUpdated,
	interfaces.EventJobCompleted,
	interfaces.EventJobFailed,
	interfaces.EventJobCancelled,
}

// Close unsubscribes, stops the flush loop and drops every client
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	subscribed := h.subscribed
	h.subscribed = false
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if subscribed {
		for _, eventType := range jobEventTypes {
			h.eventService.Unsubscribe(eventType, h.jobHandler)
		}
	}
	h.cancel()
	for _, c := range clients {
		c.conn.Close()
	}
}

// ClientCount returns the number of connected dashboard clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := &wsClient{
		id:      common.NewClientID(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(clientMessageRate), clientMessageBurst),
		visible: true,
		handles: make(map[string]*jobmonitor.Handle),
		health:  make(chan *models.HealthSnapshot, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", c.id).Int("clients", total).Msg("WebSocket client connected")

	h.send(c, WSMessage{Type: "hello", Payload: map[string]string{
		"client_id":          c.id,
		"server_instance_id": h.serverInstanceID,
	}})

	// The observer runs on the health poller; writes happen on the client's own goroutine
	common.SafeGo(h.logger, "ws:health:"+c.id, func() { h.pumpHealth(c) })
	detach := h.health.Attach(c.offerHealth)
	c.mu.Lock()
	c.detachHealth = detach
	c.mu.Unlock()
	h.syncVisibility()

	defer h.unregister(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket error")
			}
			return
		}
		if !c.limiter.Allow() {
			h.sendError(c, "", "too many messages")
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(c, "", "invalid message")
			continue
		}
		h.handleClientMessage(r.Context(), c, msg)
	}
}

func (h *WebSocketHandler) handleClientMessage(ctx context.Context, c *wsClient, msg clientMessage) {
	switch msg.Type {
	case "visibility":
		if msg.Visible == nil {
			h.sendError(c, "", "visible is required")
			return
		}
		c.mu.Lock()
		c.visible = *msg.Visible
		c.mu.Unlock()
		h.syncVisibility()

	case "watch":
		h.watch(ctx, c, msg.JobID)

	case "unwatch":
		c.mu.Lock()
		handle := c.handles[msg.JobID]
		delete(c.handles, msg.JobID)
		c.mu.Unlock()
		if handle != nil {
			h.registry.Release(handle)
		}

	case "cancel":
		m, ok := h.registry.Lookup(msg.JobID)
		if !ok {
			h.sendError(c, msg.JobID, "job is not being watched")
			return
		}
		if err := m.Cancel(ctx); err != nil {
			h.sendError(c, msg.JobID, err.Error())
			return
		}
		h.send(c, WSMessage{Type: "job_update", Payload: m.State()})

	case "ping":
		h.send(c, WSMessage{Type: "pong"})

	default:
		h.sendError(c, "", "unknown message type: "+msg.Type)
	}
}

func (h *WebSocketHandler) watch(ctx context.Context, c *wsClient, jobID string) {
	c.mu.Lock()
	handle, ok := c.handles[jobID]
	c.mu.Unlock()

	if !ok {
		var err error
		handle, err = h.registry.Acquire(ctx, jobID)
		if err != nil {
			h.sendError(c, jobID, err.Error())
			return
		}
		c.mu.Lock()
		if existing, dup := c.handles[jobID]; dup {
			c.mu.Unlock()
			h.registry.Release(handle)
			handle = existing
		} else {
			c.handles[jobID] = handle
			c.mu.Unlock()
		}
	}

	h.send(c, WSMessage{Type: "job_update", Payload: handle.Monitor().State()})
}

func (h *WebSocketHandler) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	remaining := len(h.clients)
	h.mu.Unlock()

	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]*jobmonitor.Handle)
	detach := c.detachHealth
	c.detachHealth = nil
	c.mu.Unlock()

	for _, handle := range handles {
		h.registry.Release(handle)
	}
	if detach != nil {
		detach()
	}
	close(c.done)
	h.syncVisibility()
	c.conn.Close()

	h.logger.Debug().
		Str("client_id", c.id).
		Int("released", len(handles)).
		Int("clients", remaining).
		Msg("WebSocket client disconnected")
}

// pumpHealth writes queued health snapshots until the client disconnects
func (h *WebSocketHandler) pumpHealth(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case snap := <-c.health:
			h.send(c, WSMessage{Type: "health", Payload: snap})
		}
	}
}

// syncVisibility keeps health polling active while any dashboard is visible
func (h *WebSocketHandler) syncVisibility() {
	h.mu.RLock()
	visible := len(h.clients) == 0
	for c := range h.clients {
		c.mu.Lock()
		v := c.visible
		c.mu.Unlock()
		if v {
			visible = true
			break
		}
	}
	h.mu.RUnlock()
	h.health.SetVisible(visible)
}

func (h *WebSocketHandler) handleJobEvent(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		return nil
	}

	if event.Type == interfaces.EventJobUpdated {
		h.aggregator.RecordUpdate(jobID)
		return nil
	}

	h.aggregator.TriggerImmediately(ctx, jobID)
	h.sendToWatchers(jobID, WSMessage{Type: string(event.Type), Payload: payload})
	return nil
}

// pushJobStates is the aggregator callback
func (h *WebSocketHandler) pushJobStates(ctx context.Context, jobIDs []string, finished bool) {
	for _, jobID := range jobIDs {
		m, ok := h.registry.Lookup(jobID)
		if !ok {
			h.aggregator.Forget(jobID)
			continue
		}
		h.sendToWatchers(jobID, WSMessage{Type: "job_update", Payload: m.State()})
	}
}

func (h *WebSocketHandler) sendToWatchers(jobID string, msg WSMessage) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.watching(jobID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, msg)
	}
}

func (h *WebSocketHandler) sendError(c *wsClient, jobID, message string) {
	payload := map[string]string{"error": message}
	if jobID != "" {
		payload["job_id"] = jobID
	}
	h.send(c, WSMessage{Type: "error", Payload: payload})
}

func (h *WebSocketHandler) send(c *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Str("client_id", c.id).Str("type", msg.Type).Msg("Failed to send to WebSocket client")
	}
}
