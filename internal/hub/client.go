package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulsehub/internal/api"
	"pulsehub/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Client represents a WebSocket client connection. The subscription field is
// owned by the hub and guarded by the hub's mutex.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	logger logging.Logger

	subscription *Subscription

	mu     sync.RWMutex
	closed bool
}

// inboundMessage is the inbound envelope. Subscribe fields arrive either
// nested under data or at the top level depending on client generation;
// both are accepted.
type inboundMessage struct {
	Type           string                 `json:"type"`
	Data           map[string]interface{} `json:"data"`
	Shockers       interface{}            `json:"shockers"`
	OpenShockToken string                 `json:"openshockToken"`
	APIKey         string                 `json:"apiKey"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		id:     uuid.NewString(),
		logger: h.logger,
	}
}

func (c *Client) open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// trySend queues a payload without blocking. A full buffer or a removed
// client counts as a send failure; the caller converts that into the
// standard removal path. The closed check and the send happen under the
// client mutex, so the hub can close the channel safely after markClosed.
func (c *Client) trySend(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("client_id", c.id).Error("WebSocket connection error")
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("Malformed message: expected a JSON object")
			continue
		}

		c.handleMessage(&msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
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

// handleMessage dispatches one inbound envelope. Errors are reported with an
// error envelope; a malformed or unknown message never closes the
// connection.
func (c *Client) handleMessage(msg *inboundMessage) {
	switch msg.Type {
	case api.TypePing:
		c.sendEnvelope(api.TypePong, nil)

	case api.TypeStatus:
		c.sendEnvelope(api.TypeStatus, c.hub.statusData())

	case api.TypeSubscribeBroadcast:
		c.handleSubscribe(msg)

	case api.TypeUnsubscribeBroadcast:
		c.hub.Unsubscribe(c)
		c.sendEnvelope(api.TypeUnsubscribed, nil)

	case "":
		c.sendError("Message is missing a type")

	default:
		c.sendError("Unknown message type: " + msg.Type)
	}
}

func (c *Client) handleSubscribe(msg *inboundMessage) {
	shockers := msg.Shockers
	token := msg.OpenShockToken
	apiKey := msg.APIKey

	if msg.Data != nil {
		if shockers == nil {
			shockers = msg.Data["shockers"]
		}
		if token == "" {
			token, _ = msg.Data["openshockToken"].(string)
		}
		if apiKey == "" {
			apiKey, _ = msg.Data["apiKey"].(string)
		}
	}

	ids, err := c.hub.Subscribe(c, shockers, token, apiKey)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.sendEnvelope(api.TypeSubscribed, map[string]interface{}{
		"shockers": ids,
	})
}

func (c *Client) sendError(message string) {
	c.sendEnvelope(api.TypeError, map[string]interface{}{
		"message": message,
	})
}

func (c *Client) sendEnvelope(msgType string, data map[string]interface{}) {
	payload, err := api.NewEnvelope(msgType, data).Marshal()
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal client envelope")
		return
	}

	if !c.trySend(payload) {
		// Buffer full: implicit disconnect.
		c.hub.removeClient(c)
	}
}
