// Package hub tracks live streaming connections and their broadcast
// subscriptions, and fans out notifications to them. It is the single owner
// of the connection registry and the subscription table; every removal path
// (explicit unsubscribe, connection close, send failure, stale-entry prune)
// funnels through the same code so the two stay consistent.
package hub

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"pulsehub/internal/api"
	"pulsehub/internal/logging"
	"pulsehub/internal/metrics"
	"pulsehub/internal/validation"
)

// Subscription holds the forwarding metadata a connection registered with.
type Subscription struct {
	ShockerIDs []string
	Token      string
	APIKey     string // key presented at subscribe time, carried but not re-validated
}

// Subscription validation errors, surfaced to the client as error envelopes.
var (
	ErrMissingShockerIDs = errors.New("at least one shocker id is required")
	ErrMissingToken      = errors.New("an openshock token is required")
)

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	logger     logging.Logger
	metrics    *metrics.Metrics
	mutex      sync.RWMutex

	// onSubscriberChange is invoked after every mutation that can flip the
	// empty/non-empty subscriber predicate. Set once before Run.
	onSubscriberChange func()

	// statusProvider supplies the device snapshot for inbound status
	// requests. Set once before Run.
	statusProvider func() map[string]interface{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a new WebSocket hub
func NewHub(logger logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		metrics:    m,
	}
}

// SetOnSubscriberChange registers the edge-check hook for the poll
// supervisor. Must be called before Run.
func (h *Hub) SetOnSubscriberChange(fn func()) {
	h.onSubscriberChange = fn
}

// SetStatusProvider registers the device snapshot source for status
// requests. Must be called before Run.
func (h *Hub) SetStatusProvider(fn func() map[string]interface{}) {
	h.statusProvider = fn
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.updateConnectionGauge()
			h.logger.WithFields(logging.Fields{
				"client_count": count,
				"client_id":    client.id,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// ServeWS handles WebSocket requests from clients
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := newClient(h, conn)
	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// Subscribe registers forwarding metadata for a connection. The shocker-ID
// field accepts a list or a comma-delimited string; the normalized list is
// returned for acknowledgment. Re-subscribing overwrites the prior entry.
func (h *Hub) Subscribe(c *Client, rawShockerIDs interface{}, token, apiKey string) ([]string, error) {
	ids := validation.NormalizeShockerIDs(rawShockerIDs)
	if len(ids) == 0 {
		return nil, ErrMissingShockerIDs
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	h.mutex.Lock()
	c.subscription = &Subscription{
		ShockerIDs: ids,
		Token:      token,
		APIKey:     apiKey,
	}
	h.mutex.Unlock()

	h.logger.WithFields(logging.Fields{
		"client_id": c.id,
		"shockers":  len(ids),
	}).Info("Client subscribed to broadcasts")

	h.notifySubscriberChange()
	return ids, nil
}

// Unsubscribe removes a connection's subscription if present and reports
// whether one existed. The connection itself stays registered.
func (h *Hub) Unsubscribe(c *Client) bool {
	h.mutex.Lock()
	existed := c.subscription != nil
	c.subscription = nil
	h.mutex.Unlock()

	if existed {
		h.logger.WithField("client_id", c.id).Info("Client unsubscribed from broadcasts")
		h.notifySubscriberChange()
	}
	return existed
}

// HasActiveSubscribers reports whether at least one subscribed connection is
// currently open. This predicate, not the raw entry count, gates the poll
// supervisor: entries for half-closed connections do not count.
func (h *Hub) HasActiveSubscribers() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		if client.subscription != nil && client.open() {
			return true
		}
	}
	return false
}

// GroupByToken derives the credential grouping for forwarding: one entry per
// token carrying the union of shocker IDs across its subscribers. It is
// computed fresh on every call so it always reflects the live subscriber
// set, and entries whose connection is no longer open are pruned as a side
// effect rather than waiting for close-event delivery.
func (h *Hub) GroupByToken() map[string][]string {
	var stale []*Client

	h.mutex.Lock()
	unions := make(map[string]map[string]struct{})
	for client := range h.clients {
		if client.subscription == nil {
			continue
		}
		if !client.open() {
			stale = append(stale, client)
			continue
		}
		set, ok := unions[client.subscription.Token]
		if !ok {
			set = make(map[string]struct{})
			unions[client.subscription.Token] = set
		}
		for _, id := range client.subscription.ShockerIDs {
			set[id] = struct{}{}
		}
	}
	h.mutex.Unlock()

	for _, client := range stale {
		h.removeClient(client)
	}

	groups := make(map[string][]string, len(unions))
	for token, set := range unions {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		groups[token] = ids
	}
	return groups
}

// NotifyAll sends an envelope to every open connection regardless of
// subscription. Send failures never abort the fan-out; the failing
// connections are pruned afterwards.
func (h *Hub) NotifyAll(msgType string, data map[string]interface{}) {
	payload, err := api.NewEnvelope(msgType, data).Marshal()
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast envelope")
		return
	}

	var failed []*Client
	h.mutex.RLock()
	for client := range h.clients {
		if !client.open() {
			continue
		}
		if !client.trySend(payload) {
			failed = append(failed, client)
		}
	}
	h.mutex.RUnlock()

	h.countMessages(msgType, "all")
	for _, client := range failed {
		h.removeClient(client)
	}
}

// NotifySubscribers sends an envelope to subscribed open connections only
// and returns how many sends succeeded. A connection whose send fails is
// treated as implicitly disconnected and removed.
func (h *Hub) NotifySubscribers(msgType string, data map[string]interface{}) int {
	payload, err := api.NewEnvelope(msgType, data).Marshal()
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast envelope")
		return 0
	}

	sent := 0
	var failed []*Client
	h.mutex.RLock()
	for client := range h.clients {
		if client.subscription == nil {
			continue
		}
		if !client.open() || !client.trySend(payload) {
			failed = append(failed, client)
			continue
		}
		sent++
	}
	h.mutex.RUnlock()

	h.countMessages(msgType, "subscribers")
	for _, client := range failed {
		h.removeClient(client)
	}
	return sent
}

// Stats returns hub statistics for the health surface.
func (h *Hub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	subscribers := 0
	tokens := make(map[string]struct{})
	for client := range h.clients {
		if client.subscription != nil && client.open() {
			subscribers++
			tokens[client.subscription.Token] = struct{}{}
		}
	}

	return map[string]interface{}{
		"total_clients": len(h.clients),
		"subscribers":   subscribers,
		"token_groups":  len(tokens),
	}
}

// removeClient is the single removal path: it drops the connection from the
// registry, discards its subscription, closes the transport and re-checks
// the subscriber edge.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	_, registered := h.clients[client]
	if registered {
		delete(h.clients, client)
	}
	hadSubscription := client.subscription != nil
	client.subscription = nil
	count := len(h.clients)
	h.mutex.Unlock()

	if !registered {
		return
	}

	// markClosed takes the client's write lock, so it cannot complete while
	// a trySend is in flight; once it returns, every later trySend sees the
	// closed flag and the channel can be closed without racing a send.
	client.markClosed()
	close(client.send)
	client.conn.Close()
	h.updateConnectionGauge()
	h.logger.WithFields(logging.Fields{
		"client_count": count,
		"client_id":    client.id,
	}).Info("Client disconnected")

	if hadSubscription {
		h.notifySubscriberChange()
	}
}

func (h *Hub) notifySubscriberChange() {
	if h.onSubscriberChange != nil {
		h.onSubscriberChange()
	}
}

func (h *Hub) updateConnectionGauge() {
	if h.metrics == nil {
		return
	}
	h.mutex.RLock()
	total := len(h.clients)
	h.mutex.RUnlock()
	h.metrics.HubConnections.WithLabelValues("total").Set(float64(total))
}

func (h *Hub) countMessages(msgType, audience string) {
	if h.metrics == nil {
		return
	}
	h.metrics.HubMessages.WithLabelValues(msgType, audience).Inc()
}

func (h *Hub) statusData() map[string]interface{} {
	if h.statusProvider != nil {
		return h.statusProvider()
	}
	return map[string]interface{}{}
}

// clientCount is used by tests.
func (h *Hub) clientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
