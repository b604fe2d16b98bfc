package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the full service configuration, assembled once at startup and
// injected into components. Nothing outside this package reads the
// environment after Load returns.
type Config struct {
	Port string

	// API key store
	KeyFile  string
	KeyCount int

	// Downstream OpenShock control API. An empty URL disables forwarding;
	// broadcasts are still delivered to local subscribers.
	OpenShockURL   string
	ForwardTimeout time.Duration

	// External poll supervisor. An empty URL disables polling.
	PollURL               string
	PollField             string
	PollToken             string
	PollInterval          time.Duration
	PollBroadcastOnChange bool
	PollIntensity         int
	PollDuration          int
	PollKind              string
}

// Load reads the service configuration from the environment.
func Load(logger *logrus.Logger) Config {
	LoadEnv(logger)

	return Config{
		Port: GetEnv("PORT", "8090"),

		KeyFile:  GetEnv("API_KEY_FILE", "api_keys.txt"),
		KeyCount: GetEnvInt("API_KEY_COUNT", 5),

		OpenShockURL:   GetEnv("OPENSHOCK_API_URL", "https://api.openshock.app"),
		ForwardTimeout: time.Duration(GetEnvInt("FORWARD_TIMEOUT_SECONDS", 10)) * time.Second,

		PollURL:               GetEnv("POLL_URL", ""),
		PollField:             GetEnv("POLL_FIELD", "count"),
		PollToken:             GetEnv("POLL_TOKEN", ""),
		PollInterval:          time.Duration(GetEnvInt("POLL_INTERVAL_SECONDS", 20)) * time.Second,
		PollBroadcastOnChange: GetEnvBool("POLL_BROADCAST_ON_CHANGE", false),
		PollIntensity:         GetEnvInt("POLL_INTENSITY", 25),
		PollDuration:          GetEnvInt("POLL_DURATION_MS", 1000),
		PollKind:              GetEnv("POLL_KIND", "vibrate"),
	}
}
