package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vkq2808/movie-website-backend-sub001/internal/party"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenValidator resolves a JWT into the connecting user's identity.
type TokenValidator func(token string) (userID uuid.UUID, displayName string, err error)

// Client represents a single WebSocket connection in a party room.
type Client struct {
	ID          string
	PartyID     uuid.UUID
	UserID      uuid.UUID
	DisplayName string
	hub         *Hub
	registry    *party.Registry
	conn        *websocket.Conn
	send        chan WSMessage
	logger      *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. Admission
// is granted upstream (valid token); the session only manages state once the
// client is in.
func ServeWs(hub *Hub, registry *party.Registry, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		partyIDStr := c.Query("party_id")
		token := c.Query("token")
		if partyIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "party_id and token required"})
			return
		}
		partyID, err := uuid.Parse(partyIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid party_id"})
			return
		}
		userID, displayName, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		session, ok := registry.Get(partyID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "party is not live"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          uuid.New().String(),
			PartyID:     partyID,
			UserID:      userID,
			DisplayName: displayName,
			hub:         hub,
			registry:    registry,
			conn:        conn,
			send:        make(chan WSMessage, 256),
			logger:      logger,
		}
		hub.Register(client)

		session.Join(party.Participant{ID: userID, DisplayName: displayName})
		hub.SendToClient(partyID, client.ID, "party_state", map[string]interface{}{
			"snapshot":     session.Snapshot(),
			"elapsed_time": session.CurrentElapsedTime(),
		})

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		c.leaveSession()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		session, ok := c.registry.Get(c.PartyID)
		if !ok {
			c.hub.SendToClient(c.PartyID, c.ID, "error", map[string]string{"error": "party closed"})
			break
		}

		switch msg.Event {
		case "chat_message":
			var payload struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.Text != "" {
				session.PostChatMessage(party.Participant{ID: c.UserID, DisplayName: c.DisplayName}, payload.Text)
			}
		case "like":
			session.AddLike(c.UserID)
		case "player_state":
			// Playback is host-controlled; everyone else follows.
			if c.UserID != session.Meta().HostID {
				c.hub.SendToClient(c.PartyID, c.ID, "error", map[string]string{"error": "only the host controls playback"})
				continue
			}
			var update party.PlayerUpdate
			if err := json.Unmarshal(msg.Data, &update); err == nil {
				userID := c.UserID
				session.SetPlayerState(&userID, update)
			}
		case "sync":
			c.hub.SendToClient(c.PartyID, c.ID, "party_state", map[string]interface{}{
				"snapshot":     session.Snapshot(),
				"elapsed_time": session.CurrentElapsedTime(),
			})
		default:
			// ignore
		}
	}
}

// leaveSession removes the user from the session on disconnect and closes
// the whole room when the host left.
func (c *Client) leaveSession() {
	session, ok := c.registry.Get(c.PartyID)
	if !ok {
		return
	}
	res := session.Leave(c.UserID)
	if !res.WasPresent || !res.IsHost {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.registry.Close(ctx, c.PartyID); err != nil && err != party.ErrPartyNotFound {
		c.logger.Warn("close after host leave failed", zap.String("party_id", c.PartyID.String()), zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
