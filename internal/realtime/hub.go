package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-video/backend/pkg/queue"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// outboxSize bounds queue events waiting to be published to Redis.
const outboxSize = 256

// Event names sent to clients.
const (
	EventQueue      = "encoding_job"
	EventQueueStats = "queue_stats"
)

// RedisPublisher publishes queue events for other instances.
type RedisPublisher interface {
	PublishQueueEvent(ctx context.Context, event string, payload []byte) error
}

// RedisSubscriber delivers queue events published by any instance.
type RedisSubscriber interface {
	SubscribeQueueEvents(ctx context.Context, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub fans encoding queue events out to connected operators. With Redis
// configured, events go through the shared channel so every instance's clients
// see every instance's queue; otherwise they are broadcast locally. Redis
// publishes happen on a hub goroutine started by Start, never in Notify.
type Hub struct {
	clients  map[string]*Client
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	stats    func() queue.Stats
	outbox   chan []byte
	cancel   func()
	wg       sync.WaitGroup
}

// NewHub creates a new WebSocket hub. stats, when set, is sent to each client on connect.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber, stats func() queue.Stats) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:  make(map[string]*Client),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
		stats:    stats,
	}
	if redisPub != nil {
		h.outbox = make(chan []byte, outboxSize)
	}
	return h
}

// Start runs the Redis publish loop and subscribes to the shared channel, if
// configured, until ctx is done or Close is called. Without a subscription the
// hub still publishes; the error only reports the subscription.
func (h *Hub) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	if h.outbox != nil {
		h.wg.Add(1)
		go h.publishLoop(ctx)
	}
	if h.redisSub == nil {
		return nil
	}
	unsubscribe, err := h.redisSub.SubscribeQueueEvents(ctx, func(event string, payload []byte) {
		h.Broadcast(event, json.RawMessage(payload))
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cancel = func() {
		unsubscribe()
		cancel()
	}
	h.mu.Unlock()
	return nil
}

// Close stops the publish loop and the Redis subscription. Events still in the
// outbox are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

func (h *Hub) publishLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.outbox:
			h.publish(ctx, data)
		}
	}
}

func (h *Hub) publish(ctx context.Context, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, eventTTL)
	defer cancel()
	if err := h.redis.PublishQueueEvent(ctx, EventQueue, data); err != nil {
		h.logger.Warn("publish queue event failed, broadcasting locally", zap.Error(err))
		h.Broadcast(EventQueue, json.RawMessage(data))
	}
}

// Register adds a client and sends it the current queue stats.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	if h.stats != nil {
		h.SendToClient(c.ID, EventQueueStats, h.stats())
	}
	h.logger.Debug("operator connected to encoding events", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("operator disconnected from encoding events", zap.String("client_id", c.ID))
}

// Notify implements queue.Notifier. It hands the event to the publish loop
// without waiting, and broadcasts locally when the outbox is full.
func (h *Hub) Notify(e queue.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if h.outbox != nil {
		select {
		case h.outbox <- data:
			return
		default:
			h.logger.Warn("queue event outbox full, broadcasting locally", zap.String("job_id", e.Job.ID))
		}
	}
	h.Broadcast(EventQueue, json.RawMessage(data))
}

// Broadcast sends a message to all local clients. Slow clients drop messages.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, ok := encode(payload)
	if !ok {
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// SendToClient sends a message to a single client.
func (h *Hub) SendToClient(clientID string, event string, payload interface{}) {
	data, ok := encode(payload)
	if !ok {
		return
	}
	h.mu.RLock()
	c, found := h.clients[clientID]
	h.mu.RUnlock()
	if !found {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(payload interface{}) ([]byte, bool) {
	switch v := payload.(type) {
	case []byte:
		return v, true
	case json.RawMessage:
		return v, true
	default:
		data, err := json.Marshal(payload)
		return data, err == nil
	}
}
