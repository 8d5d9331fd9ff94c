package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// pendant UI is served from a different port on the same panel PC
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	permissions []auth.Permission // set by the auth message

	topicsMu sync.RWMutex
	topics   map[string]bool // nil = all topics
}

func (c *Client) wants(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.topics == nil || c.topics[topic]
}

// reply writes directly to the connection; used before the client is
// registered and the write pump owns the socket.
func (c *Client) reply(msg map[string]interface{}) {
	msg["timestamp"] = time.Now()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteJSON(msg)
}

// authenticate reads the first message which must carry a token.
func (c *Client) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg map[string]interface{}
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.logger.Warn("WebSocket auth read failed",
			zap.Error(err),
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		return false
	}

	if msgType, _ := msg["type"].(string); msgType != "auth" {
		c.reply(map[string]interface{}{"type": "auth_failed", "reason": "First message must be authentication"})
		return false
	}

	token, _ := msg["token"].(string)
	if token == "" {
		c.reply(map[string]interface{}{"type": "auth_failed", "reason": "Missing token in auth message"})
		return false
	}

	permissions, err := c.hub.authorizer.Authorize(token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		c.reply(map[string]interface{}{"type": "auth_failed", "reason": "Invalid or expired token"})
		return false
	}

	c.permissions = permissions
	c.reply(map[string]interface{}{"type": "auth_success", "permissions": permissions})
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.conn.RemoteAddr().String()),
		zap.Any("permissions", permissions))
	return true
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg map[string]interface{}
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			break
		}

		c.handleMessage(msg)
	}
}

// handleMessage processes client commands. Only topic subscription is
// supported: {"type":"subscribe","topics":["safety"]}.
func (c *Client) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	if msgType != "subscribe" {
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.String("type", msgType))
		return
	}

	raw, _ := msg["topics"].([]interface{})
	topics := make(map[string]bool, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			topics[s] = true
		}
	}

	c.topicsMu.Lock()
	if len(topics) == 0 {
		c.topics = nil
	} else {
		c.topics = topics
	}
	c.topicsMu.Unlock()

	c.logger.Debug("WebSocket client subscribed",
		zap.String("remote_addr", c.conn.RemoteAddr().String()),
		zap.Any("topics", raw))
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
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
				// Hub closed the channel
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go func() {
		if hub.requiresAuth() && !client.authenticate() {
			conn.Close()
			return
		}

		// register only after auth
		if !hub.registerClient(client) {
			return
		}

		go client.writePump()
		client.readPump()
	}()
}
