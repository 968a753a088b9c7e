package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains class_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: when Redis is configured, events are published only and
// the subscriber callback performs the local broadcast on every instance, this one included.
type Hub struct {
	// classID -> map[clientID]*Client
	rooms    map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per class
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishClassEvent(classID, event string, payload []byte, except string) error
}

// RedisSubscriber subscribes to class channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeClass(classID string, handler func(event string, payload []byte, except string)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis arguments may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Join adds a client to a class room and returns the local member count. Starts the Redis subscription
// for this class if it is the first local member.
func (h *Hub) Join(classID string, c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[classID] == nil {
		h.rooms[classID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeClass(classID, func(event string, payload []byte, except string) {
				h.broadcast(classID, except, protocol.Envelope{Event: event, Data: payload})
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("class_id", classID), zap.Error(err))
			} else {
				h.subs[classID] = cancel
			}
		}
	}
	h.rooms[classID][c.ID] = c
	h.logger.Debug("client joined class", zap.String("client_id", c.ID), zap.String("class_id", classID))
	return len(h.rooms[classID])
}

// Leave removes a client from a class room. It reports the remaining count and whether the client was a member.
func (h *Hub) Leave(classID string, c *Client) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(classID, c)
}

func (h *Hub) leaveLocked(classID string, c *Client) (int, bool) {
	m, ok := h.rooms[classID]
	if !ok {
		return 0, false
	}
	if _, member := m[c.ID]; !member {
		return len(m), false
	}
	delete(m, c.ID)
	count := len(m)
	if count == 0 {
		delete(h.rooms, classID)
		if cancel, ok := h.subs[classID]; ok {
			cancel()
			delete(h.subs, classID)
		}
	}
	h.logger.Debug("client left class", zap.String("client_id", c.ID), zap.String("class_id", classID))
	return count, true
}

// LeaveAll removes a client from every room it joined and returns the remaining count per room.
func (h *Hub) LeaveAll(c *Client) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	left := make(map[string]int)
	for classID, m := range h.rooms {
		if _, ok := m[c.ID]; !ok {
			continue
		}
		count, _ := h.leaveLocked(classID, c)
		left[classID] = count
	}
	return left
}

// Member reports whether c is in a class room on this instance.
func (h *Hub) Member(classID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[classID][c.ID]
	return ok
}

// Count returns the number of local connections in a class room.
func (h *Hub) Count(classID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[classID])
}

func encode(event string, payload interface{}) (protocol.Envelope, error) {
	switch v := payload.(type) {
	case []byte:
		return protocol.Envelope{Event: event, Data: v}, nil
	case json.RawMessage:
		return protocol.Envelope{Event: event, Data: v}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{Event: event, Data: data}, nil
}

// broadcast delivers msg to every local member of a room except the client with ID except.
func (h *Hub) broadcast(classID, except string, msg protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[classID] {
		if id == except {
			continue
		}
		c.enqueue(msg)
	}
}

// BroadcastToClass sends an event to all local clients in a class.
func (h *Hub) BroadcastToClass(classID, event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.broadcast(classID, "", msg)
}

// Publish delivers an event to a class across all instances exactly once per connection.
func (h *Hub) Publish(classID, event string, payload interface{}) {
	h.PublishExcept(classID, "", event, payload)
}

// PublishExcept is Publish skipping the connection with ID except.
func (h *Hub) PublishExcept(classID, except, event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishClassEvent(classID, event, msg.Data, except)
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("class_id", classID), zap.Error(err))
	}
	h.broadcast(classID, except, msg)
}

// Send delivers an event to one connection.
func (h *Hub) Send(c *Client, event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(msg)
}
