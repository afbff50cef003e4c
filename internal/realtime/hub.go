package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishPartyEvent(partyID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to party channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeParty(partyID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains party_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to
// Redis, with the publishing instance filtered out on receipt. Hub satisfies
// the engine's Broadcaster contract.
type Hub struct {
	parties  map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per party
	mu       sync.RWMutex
	logger   *zap.Logger
	redisPub RedisPublisher
	redisSub RedisSubscriber
	ready    atomic.Bool
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		parties:  make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redisPub: redisPub,
		redisSub: redisSub,
	}
}

// SetReady flips the readiness signal once the server accepts connections.
func (h *Hub) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Ready reports whether the hub can deliver broadcasts. Polled by the
// registry during startup recovery.
func (h *Hub) Ready() bool {
	return h.ready.Load()
}

// Register adds a client to a party room. Starts the Redis subscription for
// this party when the first client arrives.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.parties[c.PartyID] == nil {
		h.parties[c.PartyID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeParty(c.PartyID, func(event string, payload []byte) {
				h.broadcastLocal(c.PartyID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.PartyID] = cancel
			}
		}
	}
	h.parties[c.PartyID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined party room", zap.String("client_id", c.ID), zap.String("party_id", c.PartyID.String()))
}

// Unregister removes a client from a party room. Cancels the Redis
// subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.parties[c.PartyID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.parties, c.PartyID)
			if cancel, ok := h.subs[c.PartyID]; ok {
				cancel()
				delete(h.subs, c.PartyID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left party room", zap.String("client_id", c.ID), zap.String("party_id", c.PartyID.String()))
}

// Broadcast sends an event to all clients of a party, locally and via Redis
// to other instances. Fire-and-forget: delivery is never awaited. The Redis
// publish runs in its own goroutine because callers hold session state locks;
// a slow Redis must not stall mutations.
func (h *Hub) Broadcast(partyID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcastLocal(partyID, event, json.RawMessage(data))
	if h.redisPub != nil {
		go func() {
			if err := h.redisPub.PublishPartyEvent(partyID, event, data); err != nil {
				h.logger.Warn("redis publish failed", zap.String("party_id", partyID.String()), zap.Error(err))
			}
		}()
	}
}

// SendToClient sends a message to a single client in a party (e.g. the state
// snapshot for a late joiner).
func (h *Hub) SendToClient(partyID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	clients := h.parties[partyID]
	c, ok := clients[clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// RoomSize returns the number of connected clients in a party room.
func (h *Hub) RoomSize(partyID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.parties[partyID])
}

func (h *Hub) broadcastLocal(partyID uuid.UUID, event string, data json.RawMessage) {
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.parties[partyID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
