package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

// clientRequest is the inbound frame a gateway client may send.
type clientRequest struct {
	Action    string `json:"action"` // session.subscribe, session.unsubscribe
	SessionID string `json:"sessionId"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // session ids this client follows
	logger        *logger.Logger
}

// NewClient creates a gateway client around an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps subscription requests from the connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var req clientRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleRequest(&req)
	}
}

func (c *Client) handleRequest(req *clientRequest) {
	if req.SessionID == "" {
		c.sendError("sessionId is required")
		return
	}

	switch req.Action {
	case "session.subscribe":
		c.hub.SubscribeToSession(c, req.SessionID)
		c.sendAck(req.Action, req.SessionID)
	case "session.unsubscribe":
		c.hub.UnsubscribeFromSession(c, req.SessionID)
		c.sendAck(req.Action, req.SessionID)
	default:
		c.sendError("unknown action " + req.Action)
	}
}

func (c *Client) sendAck(action, sessionID string) {
	msg, err := NewMessage("ack", sessionID, map[string]interface{}{"action": action})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *Client) sendError(reason string) {
	msg, err := NewMessage("error", "", map[string]interface{}{"message": reason})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *Client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump pumps frames from the hub to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
