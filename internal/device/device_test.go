package device

import (
	"errors"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"pulsehub/internal/validation"
)

func newTestController() (*Controller, *[]func()) {
	logger, _ := logrustest.NewNullLogger()
	c := NewController(logger)

	// Capture scheduled auto-off callbacks instead of arming real timers.
	var scheduled []func()
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		scheduled = append(scheduled, f)
		return time.NewTimer(time.Hour)
	}
	return c, &scheduled
}

func TestActivateRejectsInvalidParameters(t *testing.T) {
	c, scheduled := newTestController()

	cases := []struct {
		name      string
		intensity int
		duration  int
		field     string
	}{
		{"intensity too high", 101, 1000, "intensity"},
		{"intensity negative", -5, 1000, "intensity"},
		{"duration too short", 50, 299, "time"},
		{"duration too long", 50, 30001, "time"},
		{"both invalid reports intensity first", 200, 1, "intensity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Activate(tc.intensity, tc.duration)
			var verr *validation.Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}

	if len(*scheduled) != 0 {
		t.Fatalf("no timers should be scheduled for rejected activations")
	}
	if snap := c.Snapshot(); snap.IsOn {
		t.Fatalf("device must stay off after rejected activations")
	}
}

func TestActivateSetsStateAndSchedulesAutoOff(t *testing.T) {
	c, scheduled := newTestController()

	snap, err := c.Activate(50, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.IsOn || snap.Intensity != 50 || snap.DurationMs != 1000 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.LastActivatedAt == nil {
		t.Fatalf("expected lastActivatedAt to be set")
	}
	if len(*scheduled) != 1 {
		t.Fatalf("expected one scheduled auto-off, got %d", len(*scheduled))
	}

	// Auto-off clears only the on flag.
	(*scheduled)[0]()
	snap = c.Snapshot()
	if snap.IsOn {
		t.Fatalf("expected device off after auto-off")
	}
	if snap.Intensity != 50 || snap.DurationMs != 1000 {
		t.Fatalf("auto-off must preserve last intensity and duration: %+v", snap)
	}
	if snap.LastActivatedAt == nil {
		t.Fatalf("auto-off must preserve lastActivatedAt")
	}
}

func TestReactivationDoesNotCancelEarlierTimer(t *testing.T) {
	c, scheduled := newTestController()

	if _, err := c.Activate(30, 5000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Activate(80, 10000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*scheduled) != 2 {
		t.Fatalf("each activation schedules an independent timer, got %d", len(*scheduled))
	}

	// The first activation's timer fires while the second is still nominally
	// running; it still turns the device off.
	(*scheduled)[0]()
	if snap := c.Snapshot(); snap.IsOn {
		t.Fatalf("earlier timer firing must turn the device off")
	}
}

func TestStopResetsStateAndIsIdempotent(t *testing.T) {
	c, scheduled := newTestController()

	if _, err := c.Activate(75, 2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := c.Stop()
	if snap.IsOn || snap.Intensity != 0 || snap.DurationMs != 0 {
		t.Fatalf("stop must reset on/intensity/duration: %+v", snap)
	}
	if snap.LastActivatedAt == nil {
		t.Fatalf("stop keeps lastActivatedAt for introspection")
	}

	// A late auto-off after stop is a no-op.
	(*scheduled)[0]()
	snap = c.Snapshot()
	if snap.IsOn || snap.Intensity != 0 || snap.DurationMs != 0 {
		t.Fatalf("late auto-off must not disturb stopped state: %+v", snap)
	}

	// Stop from the off state is fine too.
	snap = c.Stop()
	if snap.IsOn {
		t.Fatalf("stop is unconditional")
	}
}

func TestActivateRoundTripWithRealTimer(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	c := NewController(logger)

	if _, err := c.Activate(50, 300); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := c.Snapshot(); !snap.IsOn {
		t.Fatalf("expected device on immediately after activate")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := c.Snapshot(); !snap.IsOn {
			if snap.Intensity != 50 || snap.DurationMs != 300 {
				t.Fatalf("auto-off must preserve last values: %+v", snap)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("auto-off did not fire within deadline")
}
