// Package device owns the single shared actuator record and its timed
// transitions. All mutation goes through the Controller.
package device

import (
	"sync"
	"time"

	"pulsehub/internal/logging"
	"pulsehub/internal/validation"
)

// Snapshot is a read-only copy of the device state.
type Snapshot struct {
	IsOn            bool       `json:"isOn"`
	Intensity       int        `json:"intensity"`
	DurationMs      int        `json:"durationMs"`
	LastActivatedAt *time.Time `json:"lastActivatedAt,omitempty"`
}

// Controller serializes access to the device record and schedules the
// auto-off transition for each activation.
type Controller struct {
	mu              sync.Mutex
	isOn            bool
	intensity       int
	durationMs      int
	lastActivatedAt *time.Time

	logger logging.Logger

	// afterFunc is swappable for tests; defaults to time.AfterFunc.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewController creates a device controller in the off state.
func NewController(logger logging.Logger) *Controller {
	return &Controller{
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
}

// Activate turns the device on with the given intensity and duration and
// schedules the auto-off transition. Intensity is checked before duration.
//
// Each activation schedules its own timer and earlier timers are not
// cancelled. A re-activation therefore races its predecessor's auto-off:
// whichever timer fires last turns the device off. This mirrors the
// long-standing behavior of the original hub and is relied on by clients;
// see DESIGN.md before changing it.
func (c *Controller) Activate(intensity, durationMs int) (Snapshot, error) {
	if !validation.ValidIntensity(intensity) {
		return Snapshot{}, validation.Errorf("intensity", "must be an integer between %d and %d", validation.MinIntensity, validation.MaxIntensity)
	}
	if !validation.ValidDuration(durationMs) {
		return Snapshot{}, validation.Errorf("time", "must be an integer between %d and %d milliseconds", validation.MinDuration, validation.MaxDuration)
	}

	c.mu.Lock()
	now := time.Now().UTC()
	c.isOn = true
	c.intensity = intensity
	c.durationMs = durationMs
	c.lastActivatedAt = &now
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.afterFunc(time.Duration(durationMs)*time.Millisecond, c.autoOff)

	c.logger.WithFields(logging.Fields{
		"intensity":   intensity,
		"duration_ms": durationMs,
	}).Info("Device activated")

	return snap, nil
}

// Stop unconditionally turns the device off and clears intensity and
// duration. Pending auto-off timers are left to fire; their transition is
// idempotent.
func (c *Controller) Stop() Snapshot {
	c.mu.Lock()
	c.isOn = false
	c.intensity = 0
	c.durationMs = 0
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("Device stopped")
	return snap
}

// Snapshot returns a read-only copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// autoOff clears only the on flag. Intensity, duration and the activation
// timestamp are kept so status queries after auto-off still report the last
// effect's parameters.
func (c *Controller) autoOff() {
	c.mu.Lock()
	wasOn := c.isOn
	c.isOn = false
	c.mu.Unlock()

	if wasOn {
		c.logger.Debug("Device auto-off fired")
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		IsOn:            c.isOn,
		Intensity:       c.intensity,
		DurationMs:      c.durationMs,
		LastActivatedAt: c.lastActivatedAt,
	}
}
