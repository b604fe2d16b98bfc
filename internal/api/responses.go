package api

import (
	"pulsehub/internal/device"
	"pulsehub/internal/keystore"
)

// ErrorResponse is the standard error body for 4xx/401/500 responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse is the body of GET /status.
type StatusResponse = device.Snapshot

// ShockResponse is the body of POST /shock and POST /stop.
type ShockResponse struct {
	Success bool            `json:"success"`
	Shocker device.Snapshot `json:"shocker"`
}

// BroadcastGroup reports the forwarding outcome for one credential group.
type BroadcastGroup struct {
	Token        string `json:"token"`   // preview, never the full credential
	ShockerCount int    `json:"shockers"`
	Enabled      bool   `json:"enabled"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// BroadcastDetail describes a dispatched broadcast.
type BroadcastDetail struct {
	Intensity   int              `json:"intensity"`
	Duration    int              `json:"duration"`
	Type        string           `json:"type"`
	Subscribers int              `json:"subscribers"`
	Groups      []BroadcastGroup `json:"groups,omitempty"`
}

// BroadcastResponse is the body of POST /broadcast.
type BroadcastResponse struct {
	Success   bool            `json:"success"`
	Broadcast BroadcastDetail `json:"broadcast"`
}

// KeysResponse is the body of the admin key listing.
type KeysResponse struct {
	Success bool               `json:"success"`
	Count   int                `json:"count"`
	Keys    []keystore.KeyInfo `json:"keys"`
}
