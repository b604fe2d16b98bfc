package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"pulsehub/internal/dispatch"
)

type fakeSource struct {
	mu     sync.Mutex
	active bool
}

func (f *fakeSource) set(active bool) {
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}

func (f *fakeSource) HasActiveSubscribers() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatcher) DispatchBroadcast(_ context.Context, intensity, duration int, kind, source string) (*dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, source)
	return &dispatch.Result{Intensity: intensity, Duration: duration, Kind: kind}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestSupervisor(cfg Config, source *fakeSource, d *fakeDispatcher) *Supervisor {
	logger, _ := logrustest.NewNullLogger()
	return NewSupervisor(cfg, source, d, logger, nil)
}

func TestSupervisorDisabledWithoutURL(t *testing.T) {
	source := &fakeSource{active: true}
	s := newTestSupervisor(Config{}, source, &fakeDispatcher{})

	if s.Enabled() {
		t.Fatalf("supervisor without URL must be disabled")
	}
	s.OnSubscriberSetChanged()
	if s.Running() {
		t.Fatalf("disabled supervisor must never start")
	}
}

func TestSupervisorStartsOnFirstSubscriberAndPollsImmediately(t *testing.T) {
	source := &fakeSource{}
	s := newTestSupervisor(Config{URL: "http://example.invalid/counter", Interval: time.Hour}, source, &fakeDispatcher{})

	polled := make(chan struct{}, 1)
	s.fetch = func(context.Context) (float64, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return 1, nil
	}

	// No subscribers yet: edge check is a no-op.
	s.OnSubscriberSetChanged()
	if s.Running() {
		t.Fatalf("must not run with empty subscriber set")
	}

	source.set(true)
	s.OnSubscriberSetChanged()
	if !s.Running() {
		t.Fatalf("must run after first subscriber")
	}

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an immediate poll on start")
	}

	// A second mutation with subscribers still present must not restart.
	s.OnSubscriberSetChanged()
	if !s.Running() {
		t.Fatalf("still-active set must keep the poller running")
	}

	source.set(false)
	s.OnSubscriberSetChanged()
	if s.Running() {
		t.Fatalf("must stop when the subscriber set empties")
	}
}

func TestPollBroadcastsOnlyOnIncrease(t *testing.T) {
	source := &fakeSource{active: true}
	d := &fakeDispatcher{}
	s := newTestSupervisor(Config{
		URL:               "http://example.invalid/counter",
		BroadcastOnChange: true,
		Intensity:         25,
		Duration:          1000,
		Kind:              "vibrate",
	}, source, d)

	values := []float64{5, 5, 7, 3, 4}
	i := 0
	s.fetch = func(context.Context) (float64, error) {
		v := values[i]
		i++
		return v, nil
	}

	for range values {
		s.poll()
	}

	// First observation is a baseline, equal values and decreases are
	// ignored, and a decrease resets the baseline: 7 and 4 broadcast.
	if d.count() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d (%v)", d.count(), d.calls)
	}
	for _, src := range d.calls {
		if src != "poll" {
			t.Fatalf("expected poll source label, got %q", src)
		}
	}
}

func TestPollIncreaseWithoutBroadcastOnChange(t *testing.T) {
	source := &fakeSource{active: true}
	d := &fakeDispatcher{}
	s := newTestSupervisor(Config{URL: "http://example.invalid/counter"}, source, d)

	values := []float64{1, 2}
	i := 0
	s.fetch = func(context.Context) (float64, error) {
		v := values[i]
		i++
		return v, nil
	}

	s.poll()
	s.poll()
	if d.count() != 0 {
		t.Fatalf("broadcast-on-change disabled: expected no dispatch, got %d", d.count())
	}
}

func TestPollFailureIsSkipped(t *testing.T) {
	source := &fakeSource{active: true}
	d := &fakeDispatcher{}
	s := newTestSupervisor(Config{URL: "http://example.invalid/counter", BroadcastOnChange: true}, source, d)

	step := 0
	s.fetch = func(context.Context) (float64, error) {
		step++
		switch step {
		case 1:
			return 10, nil
		case 2:
			return 0, errors.New("connection refused")
		default:
			return 11, nil
		}
	}

	s.poll() // baseline
	s.poll() // failure, skipped
	s.poll() // 11 > 10

	if d.count() != 1 {
		t.Fatalf("expected exactly one broadcast after recovery, got %d", d.count())
	}
}

func TestFetchCounterParsesConfiguredField(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"followers": 42, "count": 7}`))
	}))
	defer srv.Close()

	source := &fakeSource{active: true}
	s := newTestSupervisor(Config{URL: srv.URL, Field: "followers", Token: "poll-tok"}, source, &fakeDispatcher{})

	value, err := s.fetchCounter(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42 {
		t.Fatalf("expected configured field value 42, got %v", value)
	}
	if gotAuth != "Bearer poll-tok" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestFetchCounterErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"non-2xx status", http.StatusServiceUnavailable, `{"count": 1}`},
		{"non-json body", http.StatusOK, "not json"},
		{"missing field", http.StatusOK, `{"other": 1}`},
		{"non-numeric field", http.StatusOK, `{"count": "many"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			source := &fakeSource{active: true}
			s := newTestSupervisor(Config{URL: srv.URL}, source, &fakeDispatcher{})
			if _, err := s.fetchCounter(context.Background()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSupervisorDefaults(t *testing.T) {
	source := &fakeSource{}
	s := newTestSupervisor(Config{URL: "http://example.invalid/counter"}, source, &fakeDispatcher{})
	if s.cfg.Field != "count" || s.cfg.Interval != 20*time.Second {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
}
