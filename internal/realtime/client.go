package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/auth"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	readLimit    = 65536
	sendCapacity = 256
)

// AuthFunc validates the token of an upgrade request.
type AuthFunc func(c *gin.Context, token string) (*auth.Claims, error)

// NewUpgrader returns an upgrader accepting the given origins; an empty list or "*" allows any origin.
func NewUpgrader(origins []string) *websocket.Upgrader {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Client represents a single WebSocket connection of an authenticated user.
type Client struct {
	ID     string
	UserID uuid.UUID
	Role   models.Role
	Name   string
	hub    *Hub
	conn   *websocket.Conn
	send   chan protocol.Envelope
	done   chan struct{}
	dedup  *Deduper
	logger *zap.Logger
}

// enqueue queues msg for the write pump, dropping it when the buffer is full or the connection is gone.
func (c *Client) enqueue(msg protocol.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, dropping event", zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

// ServeWs handles the WebSocket upgrade at /ws?token=… and runs the client loop.
func ServeWs(hub *Hub, router *Router, upgrader *websocket.Upgrader, authenticate AuthFunc, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "token required"})
			return
		}
		claims, err := authenticate(c, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			UserID: claims.UserID,
			Role:   models.Role(claims.Role),
			Name:   claims.Name,
			hub:    hub,
			conn:   conn,
			send:   make(chan protocol.Envelope, sendCapacity),
			done:   make(chan struct{}),
			dedup:  NewDeduper(router.dedupWindow),
			logger: logger,
		}
		logger.Debug("websocket connected", zap.String("client_id", client.ID), zap.String("user_id", client.UserID.String()))
		go client.writePump()
		client.readPump(router)
	}
}

func (c *Client) readPump(router *Router) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		router.Disconnected(c)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg protocol.Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		router.Handle(ctx, c, msg)
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
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
