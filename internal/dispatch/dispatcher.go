// Package dispatch coordinates broadcast delivery: local notification to
// subscribers first, then best-effort forwarding to the control API with one
// outbound call per credential group.
package dispatch

import (
	"context"
	"sync"

	"pulsehub/internal/clients/openshock"
	"pulsehub/internal/keystore"
	"pulsehub/internal/logging"
	"pulsehub/internal/metrics"
	"pulsehub/internal/validation"
)

// Broadcaster is the subscriber-facing slice of the hub the dispatcher uses.
type Broadcaster interface {
	NotifySubscribers(msgType string, data map[string]interface{}) int
	GroupByToken() map[string][]string
}

// Forwarder is the outbound control API surface.
type Forwarder interface {
	Enabled() bool
	Control(ctx context.Context, token string, shocks []openshock.ShockRequest, customName string) (*openshock.ControlResult, error)
}

// GroupOutcome reports the forwarding result for one credential group.
// Enabled=false means forwarding never reached the API (unconfigured);
// Enabled=true with Success=false means the API answered with an error.
type GroupOutcome struct {
	TokenPreview string
	ShockerCount int
	Enabled      bool
	Success      bool
	Err          string
}

// Result describes a completed dispatch. Dispatch success is defined by the
// local validation and notification steps alone; group outcomes are
// informational.
type Result struct {
	Intensity   int
	Duration    int
	Kind        string
	Subscribers int
	Groups      []GroupOutcome
}

// Dispatcher fans a broadcast out to subscribers and credential groups.
type Dispatcher struct {
	hub       Broadcaster
	forwarder Forwarder
	logger    logging.Logger
	metrics   *metrics.Metrics

	// customName labels forwarded commands in the downstream API's log.
	customName string
}

// NewDispatcher creates a broadcast dispatcher.
func NewDispatcher(hub Broadcaster, forwarder Forwarder, logger logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		hub:        hub,
		forwarder:  forwarder,
		logger:     logger,
		metrics:    m,
		customName: "pulsehub broadcast",
	}
}

// DispatchBroadcast validates the command, notifies subscribers, then issues
// exactly one forwarding call per credential group carrying the union of
// that group's shocker IDs. Forwarding failures are logged and reflected in
// the result but never fail the dispatch. source labels metrics ("http",
// "poll").
func (d *Dispatcher) DispatchBroadcast(ctx context.Context, intensity, duration int, kind, source string) (*Result, error) {
	if !validation.ValidIntensity(intensity) {
		d.countBroadcast(source, "rejected")
		return nil, validation.Errorf("intensity", "must be an integer between %d and %d", validation.MinIntensity, validation.MaxIntensity)
	}
	if !validation.ValidDuration(duration) {
		d.countBroadcast(source, "rejected")
		return nil, validation.Errorf("duration", "must be an integer between %d and %d milliseconds", validation.MinDuration, validation.MaxDuration)
	}
	if !validation.ValidCommandKind(kind) {
		d.countBroadcast(source, "rejected")
		return nil, validation.Errorf("type", "must be one of: shock, vibrate")
	}

	// Subscribers are notified before any forwarding begins; the group
	// snapshot is taken afterwards so it reflects prunes done by the
	// notification pass.
	sent := d.hub.NotifySubscribers("broadcast", map[string]interface{}{
		"intensity": intensity,
		"duration":  duration,
		"type":      kind,
	})

	groups := d.hub.GroupByToken()
	result := &Result{
		Intensity:   intensity,
		Duration:    duration,
		Kind:        kind,
		Subscribers: sent,
		Groups:      d.forwardGroups(ctx, groups, intensity, duration, kind),
	}

	d.countBroadcast(source, "dispatched")
	d.logger.WithFields(logging.Fields{
		"intensity":   intensity,
		"duration":    duration,
		"type":        kind,
		"subscribers": sent,
		"groups":      len(groups),
		"source":      source,
	}).Info("Broadcast dispatched")

	return result, nil
}

// forwardGroups issues the per-credential control calls concurrently and
// awaits each independently.
func (d *Dispatcher) forwardGroups(ctx context.Context, groups map[string][]string, intensity, duration int, kind string) []GroupOutcome {
	if len(groups) == 0 {
		return nil
	}

	outcomes := make([]GroupOutcome, 0, len(groups))
	if !d.forwarder.Enabled() {
		// Misconfigured forwarding is not an error: subscribers were
		// notified, the API just cannot be reached.
		for token, ids := range groups {
			outcomes = append(outcomes, GroupOutcome{
				TokenPreview: keystore.Preview(token),
				ShockerCount: len(ids),
				Enabled:      false,
			})
			d.countForward("disabled")
		}
		d.logger.Warn("Forwarding skipped: openshock client is not configured")
		return outcomes
	}

	type indexed struct {
		idx     int
		outcome GroupOutcome
	}

	var wg sync.WaitGroup
	results := make(chan indexed, len(groups))
	idx := 0
	for token, ids := range groups {
		wg.Add(1)
		go func(idx int, token string, ids []string) {
			defer wg.Done()
			results <- indexed{idx: idx, outcome: d.forwardOne(ctx, token, ids, intensity, duration, kind)}
		}(idx, token, ids)
		idx++
	}
	wg.Wait()
	close(results)

	outcomes = make([]GroupOutcome, idx)
	for r := range results {
		outcomes[r.idx] = r.outcome
	}
	return outcomes
}

func (d *Dispatcher) forwardOne(ctx context.Context, token string, ids []string, intensity, duration int, kind string) GroupOutcome {
	outcome := GroupOutcome{
		TokenPreview: keystore.Preview(token),
		ShockerCount: len(ids),
		Enabled:      true,
	}

	shocks := make([]openshock.ShockRequest, 0, len(ids))
	for _, id := range ids {
		shocks = append(shocks, openshock.ShockRequest{
			ID:        id,
			Type:      openshock.CommandType(kind),
			Intensity: intensity,
			Duration:  duration,
			Exclusive: true,
		})
	}

	result, err := d.forwarder.Control(ctx, token, shocks, d.customName)
	if err != nil {
		outcome.Err = err.Error()
		d.countForward("transport_error")
		d.logger.WithError(err).WithFields(logging.Fields{
			"token":    outcome.TokenPreview,
			"shockers": len(ids),
		}).Error("Forwarding call failed")
		return outcome
	}

	outcome.Success = result.Success
	if !result.Success {
		outcome.Err = result.Message
		d.countForward("api_error")
		d.logger.WithFields(logging.Fields{
			"token":    outcome.TokenPreview,
			"status":   result.StatusCode,
			"message":  result.Message,
			"shockers": len(ids),
		}).Error("Forwarding call rejected by API")
		return outcome
	}

	d.countForward("success")
	return outcome
}

func (d *Dispatcher) countBroadcast(source, status string) {
	if d.metrics != nil {
		d.metrics.Broadcasts.WithLabelValues(source, status).Inc()
	}
}

func (d *Dispatcher) countForward(status string) {
	if d.metrics != nil {
		d.metrics.ForwardCalls.WithLabelValues(status).Inc()
	}
}
