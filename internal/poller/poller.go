// Package poller runs the external-poll side-activity: a periodic fetch of
// an external counter metric that is alive exactly while at least one
// broadcast subscriber is connected.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pulsehub/internal/dispatch"
	"pulsehub/internal/logging"
	"pulsehub/internal/metrics"
)

// SubscriberSource answers the gating predicate.
type SubscriberSource interface {
	HasActiveSubscribers() bool
}

// BroadcastDispatcher issues the broadcast-on-change command.
type BroadcastDispatcher interface {
	DispatchBroadcast(ctx context.Context, intensity, duration int, kind, source string) (*dispatch.Result, error)
}

// Config configures the supervisor. An empty URL disables polling entirely.
type Config struct {
	URL               string
	Field             string
	Token             string
	Interval          time.Duration
	BroadcastOnChange bool
	Intensity         int
	Duration          int
	Kind              string
}

// Supervisor owns at most one polling goroutine. Edge checks are triggered
// by the hub on every subscription-table mutation; the poller transitions
// between stopped and running only on the empty/non-empty edges.
type Supervisor struct {
	cfg        Config
	source     SubscriberSource
	dispatcher BroadcastDispatcher
	client     *http.Client
	logger     logging.Logger
	metrics    *metrics.Metrics

	// fetch is swappable for tests; defaults to the HTTP counter fetch.
	fetch func(ctx context.Context) (float64, error)

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	lastSeen float64
	hasLast  bool
}

// NewSupervisor creates a poll supervisor. A missing URL disables the
// feature with a single log line; edge checks become no-ops.
func NewSupervisor(cfg Config, source SubscriberSource, dispatcher BroadcastDispatcher, logger logging.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.Field == "" {
		cfg.Field = "count"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}

	s := &Supervisor{
		cfg:        cfg,
		source:     source,
		dispatcher: dispatcher,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		metrics:    m,
	}
	s.fetch = s.fetchCounter

	if !s.Enabled() {
		logger.Info("External poll disabled: no POLL_URL configured")
	}
	return s
}

// Enabled reports whether polling is configured at all.
func (s *Supervisor) Enabled() bool {
	return s.cfg.URL != ""
}

// Running reports whether the polling goroutine is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnSubscriberSetChanged re-evaluates the gating predicate and starts or
// stops the polling goroutine on the empty/non-empty edges. Safe to call
// from any goroutine and on every subscription mutation.
func (s *Supervisor) OnSubscriberSetChanged() {
	if !s.Enabled() {
		return
	}

	active := s.source.HasActiveSubscribers()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case active && !s.running:
		s.running = true
		s.stop = make(chan struct{})
		go s.run(s.stop)
		s.logger.Info("External poll started: first subscriber active")

	case !active && s.running:
		close(s.stop)
		s.running = false
		s.logger.Info("External poll stopped: no active subscribers")
	}
}

// run performs one immediate poll and then polls on the fixed interval
// until stopped.
func (s *Supervisor) run(stop chan struct{}) {
	s.poll()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll fetches the counter once. Every failure is logged and skipped; a
// failed poll never cancels the schedule.
func (s *Supervisor) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	value, err := s.fetch(ctx)
	if err != nil {
		s.countPoll("error")
		s.logger.WithError(err).Warn("External poll failed")
		return
	}
	s.countPoll("ok")

	s.mu.Lock()
	increased := s.hasLast && value > s.lastSeen
	s.lastSeen = value
	s.hasLast = true
	s.mu.Unlock()

	if !increased {
		// Decreases are ignored: a counter reset or correction must not
		// trigger a broadcast. The new value becomes the baseline.
		return
	}

	s.logger.WithField("value", value).Info("External counter increased")
	if !s.cfg.BroadcastOnChange {
		return
	}

	if _, err := s.dispatcher.DispatchBroadcast(ctx, s.cfg.Intensity, s.cfg.Duration, s.cfg.Kind, "poll"); err != nil {
		s.logger.WithError(err).Error("Broadcast on counter change failed")
	}
}

func (s *Supervisor) fetchCounter(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("poll endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("parse poll response: %w", err)
	}

	value, ok := parsed[s.cfg.Field].(float64)
	if !ok {
		return 0, fmt.Errorf("poll response has no numeric %q field", s.cfg.Field)
	}
	return value, nil
}

func (s *Supervisor) countPoll(status string) {
	if s.metrics != nil {
		s.metrics.PollRuns.WithLabelValues(status).Inc()
	}
}
