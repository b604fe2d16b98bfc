package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/internal/device"
	"pulsehub/internal/dispatch"
	"pulsehub/internal/keystore"
	"pulsehub/internal/validation"
)

const goodKey = "test-key-0123456789abcdef"

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (f *fakeNotifier) NotifyAll(msgType string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, msgType)
}

func (f *fakeNotifier) ServeWS(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  int
	result *dispatch.Result
	err    error
}

func (f *fakeDispatcher) DispatchBroadcast(_ context.Context, intensity, duration int, kind, _ string) (*dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &dispatch.Result{Intensity: intensity, Duration: duration, Kind: kind}, nil
}

type fixture struct {
	router     *gin.Engine
	controller *device.Controller
	notifier   *fakeNotifier
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := logrustest.NewNullLogger()

	keyFile := filepath.Join(t.TempDir(), "api_keys.txt")
	require.NoError(t, os.WriteFile(keyFile, []byte(goodKey+"\nsecond-key\n"), 0o600))
	keys, err := keystore.LoadOrGenerate(keyFile, 0, logger)
	require.NoError(t, err)

	f := &fixture{
		controller: device.NewController(logger),
		notifier:   &fakeNotifier{},
		dispatcher: &fakeDispatcher{},
	}
	h := New(f.controller, f.notifier, f.dispatcher, keys, logger)
	f.router = gin.New()
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, false, body["isOn"])
	assert.Equal(t, float64(0), body["intensity"])
}

func TestShockActivatesAndNotifies(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/shock", map[string]interface{}{"intensity": 70, "time": 1500})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	shocker := body["shocker"].(map[string]interface{})
	assert.Equal(t, true, shocker["isOn"])
	assert.Equal(t, float64(70), shocker["intensity"])
	assert.Equal(t, float64(1500), shocker["durationMs"])

	assert.Equal(t, []string{"shock_activated"}, f.notifier.notified)
	assert.True(t, f.controller.Snapshot().IsOn)
}

func TestShockValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		body    map[string]interface{}
		wantMsg string
	}{
		{"missing intensity", map[string]interface{}{"time": 1000}, "intensity"},
		{"missing time", map[string]interface{}{"intensity": 50}, "time"},
		{"intensity out of range", map[string]interface{}{"intensity": 101, "time": 1000}, "intensity"},
		{"time out of range", map[string]interface{}{"intensity": 50, "time": 50}, "time"},
		{"intensity checked before time", map[string]interface{}{"intensity": 101, "time": 50}, "intensity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/shock", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, "invalid_request", body["error"])
			assert.Contains(t, body["message"], tc.wantMsg)
		})
	}

	assert.Empty(t, f.notifier.notified, "rejected commands must not notify")
	assert.False(t, f.controller.Snapshot().IsOn)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/shock", map[string]interface{}{"intensity": 50, "time": 1000})

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/stop", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		shocker := body["shocker"].(map[string]interface{})
		assert.Equal(t, false, shocker["isOn"])
		assert.Equal(t, float64(0), shocker["intensity"])
	}

	assert.Equal(t, []string{"shock_activated", "shock_stopped", "shock_stopped"}, f.notifier.notified)
}

func TestBroadcastRequiresAuthorizationBeforeValidation(t *testing.T) {
	f := newFixture(t)

	// Invalid parameters with a bad key: the key check must win.
	w := f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"intensity": 999, "duration": 1, "type": "bogus", "apiKey": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, 0, f.dispatcher.calls, "unauthorized request must do no work")

	// Missing key entirely.
	w = f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"intensity": 40, "duration": 1000, "type": "shock",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBroadcastValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"duration": 1000, "type": "shock", "apiKey": goodKey,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "intensity")

	w = f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"intensity": 40, "type": "shock", "apiKey": goodKey,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "duration")

	// Dispatcher-level validation errors map to 400 as well.
	f.dispatcher.err = validation.Errorf("type", "must be one of: shock, vibrate")
	w = f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"intensity": 40, "duration": 1000, "type": "bogus", "apiKey": goodKey,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "type")
}

func TestBroadcastSuccess(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.result = &dispatch.Result{
		Intensity:   40,
		Duration:    1000,
		Kind:        "vibrate",
		Subscribers: 3,
		Groups: []dispatch.GroupOutcome{
			{TokenPreview: "abcd1234...", ShockerCount: 2, Enabled: true, Success: true},
			{TokenPreview: "ffff0000...", ShockerCount: 1, Enabled: true, Success: false, Err: "token invalid"},
		},
	}

	w := f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"intensity": 40, "duration": 1000, "type": "vibrate", "apiKey": goodKey,
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	broadcast := body["broadcast"].(map[string]interface{})
	assert.Equal(t, float64(3), broadcast["subscribers"])
	groups := broadcast["groups"].([]interface{})
	require.Len(t, groups, 2)
	first := groups[0].(map[string]interface{})
	assert.Equal(t, "abcd1234...", first["token"])
}

func TestBroadcastAcceptsQueryKey(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/broadcast?apiKey="+goodKey, map[string]interface{}{
		"intensity": 40, "duration": 1000, "type": "shock",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.dispatcher.calls)
}

func TestBroadcastDispatchFailure(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("hub unavailable")

	w := f.do(t, http.MethodPost, "/broadcast", map[string]interface{}{
		"intensity": 40, "duration": 1000, "type": "shock", "apiKey": goodKey,
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decode(t, w)["error"])
}

func TestListKeys(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/admin/keys", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/admin/keys?apiKey="+goodKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	keys := body["keys"].([]interface{})
	require.Len(t, keys, 2)
	first := keys[0].(map[string]interface{})
	assert.NotEmpty(t, first["id"])
	assert.Contains(t, first["preview"], "...")
}

func TestNoRoute(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}
