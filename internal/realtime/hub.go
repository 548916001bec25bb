// Package realtime streams new-message notifications to connected clients
// over WebSockets. Notifications arrive from Redis pub/sub and carry no
// ciphertext; clients fetch the message itself from the API.
package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// Subscriber opens a user's notification subscription, or returns nil when
// notifications are unavailable
type Subscriber interface {
	Subscribe(ctx context.Context, userID uuid.UUID) *redis.PubSub
}

type Hub struct {
	subscriber Subscriber
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHub creates a hub. allowedOrigin "*" accepts any origin.
func NewHub(subscriber Subscriber, allowedOrigin string, logger *zap.Logger) *Hub {
	return &Hub{
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		logger: logger.Named("realtime"),
	}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	logger *zap.Logger
}

// ServeUser upgrades the request and streams userID's notifications until
// the client disconnects
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.subscriber.Subscribe(ctx, userID)
	if pubsub == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "notifications unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer pubsub.Close()

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		logger: h.logger.With(zap.String("user_id", userID.String())),
	}
	c.logger.Debug("client connected")

	go c.forward(ctx, pubsub)
	go c.writePump()
	c.readPump()

	c.logger.Debug("client disconnected")
}

// forward copies pub/sub payloads to the send queue. It owns send and
// closes it on exit. A slow client drops notifications rather than
// blocking the subscription.
func (c *client) forward(ctx context.Context, pubsub *redis.PubSub) {
	defer close(c.send)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case c.send <- []byte(msg.Payload):
			default:
				c.logger.Warn("send queue full, dropping notification")
			}
		}
	}
}

// readPump discards client messages and keeps the read deadline alive
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
