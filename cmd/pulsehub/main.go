package main

import (
	"pulsehub/internal/clients/openshock"
	"pulsehub/internal/config"
	"pulsehub/internal/device"
	"pulsehub/internal/dispatch"
	"pulsehub/internal/handlers"
	"pulsehub/internal/hub"
	"pulsehub/internal/keystore"
	"pulsehub/internal/logging"
	"pulsehub/internal/metrics"
	"pulsehub/internal/monitoring"
	"pulsehub/internal/poller"
	"pulsehub/internal/server"
	"pulsehub/internal/version"
)

const serviceName = "pulsehub"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting pulsehub")

	cfg := config.Load(logger)

	keys, err := keystore.LoadOrGenerate(cfg.KeyFile, cfg.KeyCount, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load API keys")
	}

	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GetShortCommit())
	m := &metrics.Metrics{
		HubConnections: metricsCollector.NewGauge("hub_connections", "Active WebSocket connections", []string{"type"}),
		HubMessages:    metricsCollector.NewCounter("hub_messages_total", "Messages fanned out to streaming clients", []string{"type", "audience"}),
		Broadcasts:     metricsCollector.NewCounter("broadcasts_total", "Broadcast dispatch attempts", []string{"source", "status"}),
		ForwardCalls:   metricsCollector.NewCounter("forward_calls_total", "OpenShock control API calls", []string{"status"}),
		PollRuns:       metricsCollector.NewCounter("poll_runs_total", "External poll executions", []string{"status"}),
	}

	controller := device.NewController(logger)

	streamHub := hub.NewHub(logger, m)
	streamHub.SetStatusProvider(func() map[string]interface{} {
		snap := controller.Snapshot()
		return map[string]interface{}{
			"isOn":            snap.IsOn,
			"intensity":       snap.Intensity,
			"durationMs":      snap.DurationMs,
			"lastActivatedAt": snap.LastActivatedAt,
		}
	})

	osClient := openshock.NewClient(cfg.OpenShockURL, cfg.ForwardTimeout)
	if !osClient.Enabled() {
		logger.Warn("Forwarding disabled: no OpenShock API URL configured")
	}

	dispatcher := dispatch.NewDispatcher(streamHub, osClient, logger, m)

	supervisor := poller.NewSupervisor(poller.Config{
		URL:               cfg.PollURL,
		Field:             cfg.PollField,
		Token:             cfg.PollToken,
		Interval:          cfg.PollInterval,
		BroadcastOnChange: cfg.PollBroadcastOnChange,
		Intensity:         cfg.PollIntensity,
		Duration:          cfg.PollDuration,
		Kind:              cfg.PollKind,
	}, streamHub, dispatcher, logger, m)
	streamHub.SetOnSubscriberChange(supervisor.OnSubscriberSetChanged)

	go streamHub.Run()

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	healthChecker.AddCheck("api_keys", monitoring.FileHealthCheck("api key file", keys.Path()))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"PORT":         cfg.Port,
		"API_KEY_FILE": cfg.KeyFile,
	}))
	if osClient.Enabled() {
		healthChecker.AddCheck("openshock_api", monitoring.HTTPServiceHealthCheck("openshock", osClient.BaseURL()+"/1"))
	}
	healthChecker.AddDetail("device", func() interface{} { return controller.Snapshot() })
	healthChecker.AddDetail("hub", func() interface{} { return streamHub.Stats() })
	healthChecker.AddDetail("forwarding", func() interface{} {
		return map[string]interface{}{"enabled": osClient.Enabled()}
	})
	healthChecker.AddDetail("poll", func() interface{} {
		return map[string]interface{}{
			"enabled": supervisor.Enabled(),
			"running": supervisor.Running(),
		}
	})

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	handlers.New(controller, streamHub, dispatcher, keys, logger).RegisterRoutes(router)

	if err := server.Start(server.DefaultConfig(serviceName, cfg.Port), router, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}
