// Package handlers implements the HTTP command surface: device status and
// control, authorized broadcasts, the admin key listing and the WebSocket
// upgrade route.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pulsehub/internal/api"
	"pulsehub/internal/device"
	"pulsehub/internal/dispatch"
	"pulsehub/internal/keystore"
	"pulsehub/internal/logging"
	"pulsehub/internal/validation"
)

// Notifier is the hub surface the handlers use: global notifications plus
// the WebSocket upgrade.
type Notifier interface {
	NotifyAll(msgType string, data map[string]interface{})
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// BroadcastDispatcher issues validated broadcasts.
type BroadcastDispatcher interface {
	DispatchBroadcast(ctx context.Context, intensity, duration int, kind, source string) (*dispatch.Result, error)
}

// Handlers carries the wired dependencies for the HTTP surface.
type Handlers struct {
	device     *device.Controller
	hub        Notifier
	dispatcher BroadcastDispatcher
	keys       *keystore.Store
	logger     logging.Logger
}

// New creates the handler set.
func New(controller *device.Controller, hub Notifier, dispatcher BroadcastDispatcher, keys *keystore.Store, logger logging.Logger) *Handlers {
	return &Handlers{
		device:     controller,
		hub:        hub,
		dispatcher: dispatcher,
		keys:       keys,
		logger:     logger,
	}
}

// RegisterRoutes attaches all routes to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/status", h.GetStatus)
	router.POST("/shock", h.Shock)
	router.POST("/stop", h.Stop)
	router.POST("/broadcast", h.Broadcast)
	router.GET("/admin/keys", h.ListKeys)
	router.GET("/ws", h.WebSocket)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:   "not_found",
			Message: "Route not found",
		})
	})
}

type shockRequest struct {
	Intensity *int `json:"intensity"`
	Time      *int `json:"time"`
}

type broadcastRequest struct {
	Intensity *int   `json:"intensity"`
	Duration  *int   `json:"duration"`
	Type      string `json:"type"`
	APIKey    string `json:"apiKey"`
}

// GetStatus returns the current device snapshot.
func (h *Handlers) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.device.Snapshot())
}

// Shock activates the device and notifies every streaming connection.
func (h *Handlers) Shock(c *gin.Context) {
	var req shockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Request body must be a JSON object")
		return
	}
	if req.Intensity == nil {
		badRequest(c, "intensity is required")
		return
	}
	if req.Time == nil {
		badRequest(c, "time is required")
		return
	}

	snap, err := h.device.Activate(*req.Intensity, *req.Time)
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			badRequest(c, verr.Field+" "+verr.Message)
			return
		}
		internalError(c, h.logger, err, "Activation failed")
		return
	}

	h.hub.NotifyAll(api.TypeShockActivated, map[string]interface{}{
		"intensity": snap.Intensity,
		"duration":  snap.DurationMs,
	})
	c.JSON(http.StatusOK, api.ShockResponse{Success: true, Shocker: snap})
}

// Stop turns the device off and notifies every streaming connection. It is
// idempotent.
func (h *Handlers) Stop(c *gin.Context) {
	snap := h.device.Stop()
	h.hub.NotifyAll(api.TypeShockStopped, nil)
	c.JSON(http.StatusOK, api.ShockResponse{Success: true, Shocker: snap})
}

// Broadcast dispatches a command to all subscribers and their credential
// groups. Authorization is checked before any other work.
func (h *Handlers) Broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Request body must be a JSON object")
		return
	}

	key := req.APIKey
	if key == "" {
		key = c.Query("apiKey")
	}
	if !h.keys.IsAuthorized(key) {
		h.logger.WithField("key", keystore.Preview(key)).Warn("Broadcast rejected: unauthorized key")
		unauthorized(c)
		return
	}

	if req.Intensity == nil {
		badRequest(c, "intensity is required")
		return
	}
	if req.Duration == nil {
		badRequest(c, "duration is required")
		return
	}

	result, err := h.dispatcher.DispatchBroadcast(c.Request.Context(), *req.Intensity, *req.Duration, req.Type, "http")
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			badRequest(c, verr.Field+" "+verr.Message)
			return
		}
		internalError(c, h.logger, err, "Broadcast dispatch failed")
		return
	}

	c.JSON(http.StatusOK, toBroadcastResponse(result))
}

// ListKeys returns the authorized key set. The query key must itself be a
// member.
func (h *Handlers) ListKeys(c *gin.Context) {
	if !h.keys.IsAuthorized(c.Query("apiKey")) {
		unauthorized(c)
		return
	}
	c.JSON(http.StatusOK, api.KeysResponse{
		Success: true,
		Count:   h.keys.Count(),
		Keys:    h.keys.List(),
	})
}

// WebSocket upgrades the connection and hands it to the hub.
func (h *Handlers) WebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func toBroadcastResponse(result *dispatch.Result) api.BroadcastResponse {
	groups := make([]api.BroadcastGroup, 0, len(result.Groups))
	for _, g := range result.Groups {
		groups = append(groups, api.BroadcastGroup{
			Token:        g.TokenPreview,
			ShockerCount: g.ShockerCount,
			Enabled:      g.Enabled,
			Success:      g.Success,
			Error:        g.Err,
		})
	}
	return api.BroadcastResponse{
		Success: true,
		Broadcast: api.BroadcastDetail{
			Intensity:   result.Intensity,
			Duration:    result.Duration,
			Type:        result.Kind,
			Subscribers: result.Subscribers,
			Groups:      groups,
		},
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, api.ErrorResponse{
		Error:   "invalid_request",
		Message: message,
	})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, api.ErrorResponse{
		Error:   "unauthorized",
		Message: "A valid API key is required",
	})
}

func internalError(c *gin.Context, logger logging.Logger, err error, message string) {
	logger.WithError(err).Error(message)
	c.JSON(http.StatusInternalServerError, api.ErrorResponse{
		Error:   "internal_error",
		Message: message,
	})
}
