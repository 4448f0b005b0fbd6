package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/app"
	"chatrelay/pkg/domain"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Inline images travel over the socket, so this matches the HTTP body limit.
	maxMessageSize = 4 << 20

	sendBuffer = 64

	inboundTimeout = 15 * time.Second
)

// client is one upgraded connection owned by a single user.
type client struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	handler *Handler
}

func (c *client) ID() string { return c.id }

// Deliver queues a frame without blocking. A full buffer drops the frame.
func (c *client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// shutdown leaves the registry before stopping the pumps, so relays and
// roster broadcasts never target a connection that is going away.
func (c *client) shutdown() {
	c.handler.registry.Unregister(c.id)
	c.close()
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.shutdown()
		c.handler.forget(c)
		_ = c.conn.Close()
		slog.Info("realtime disconnected",
			"user_id", c.userID,
			"conn_id", c.id,
			"connections", c.handler.registry.ConnectionCount(c.userID),
		)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("realtime read failed", "user_id", c.userID, "conn_id", c.id, "err", err)
			}
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *client) dispatch(ctx context.Context, data []byte) {
	var env domain.InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("Invalid frame")
		return
	}
	switch env.Event {
	case domain.EventSendMessage:
		var payload domain.SendMessagePayload
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &payload) != nil {
			c.sendError("Invalid send-message payload")
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, inboundTimeout)
		defer cancel()
		if _, err := c.handler.messenger.SendMessage(msgCtx, c.userID, payload.To, payload.Text, payload.Image); err != nil {
			if app.IsPublic(err) {
				c.sendError(err.Error())
				return
			}
			slog.Error("realtime send-message failed", "user_id", c.userID, "conn_id", c.id, "err", err)
			c.sendError("Server error")
		}
	default:
		c.sendError("Unknown event")
	}
}

func (c *client) sendError(msg string) {
	frame, err := json.Marshal(domain.Envelope{Event: domain.EventError, Data: domain.ErrorPayload{Message: msg}})
	if err != nil {
		return
	}
	if !c.Deliver(frame) {
		slog.Warn("realtime error frame dropped", "user_id", c.userID, "conn_id", c.id)
	}
}
