// Package api defines the wire types shared by the HTTP and WebSocket
// surfaces.
package api

import (
	"encoding/json"
	"time"
)

// Envelope is the tagged message structure exchanged over streaming
// connections. Data is type-dependent.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEnvelope builds an envelope stamped with the current UTC time.
func NewEnvelope(msgType string, data map[string]interface{}) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal serializes the envelope once for fan-out.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Streaming message types
const (
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeStatus               = "status"
	TypeShockActivated       = "shock_activated"
	TypeShockStopped         = "shock_stopped"
	TypeBroadcast            = "broadcast"
	TypeError                = "error"
	TypeSubscribeBroadcast   = "subscribe_broadcast"
	TypeUnsubscribeBroadcast = "unsubscribe_broadcast"
	TypeSubscribed           = "subscribed"
	TypeUnsubscribed         = "unsubscribed"
)
