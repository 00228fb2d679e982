// Package main is the entry point for the Register Bridge service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/adapter/config"
	"github.com/nexus-edge/register-bridge/internal/adapter/modbus"
	"github.com/nexus-edge/register-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/register-bridge/internal/adapter/scanstore"
	"github.com/nexus-edge/register-bridge/internal/api"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/internal/health"
	"github.com/nexus-edge/register-bridge/internal/metrics"
	"github.com/nexus-edge/register-bridge/internal/service"
	"github.com/nexus-edge/register-bridge/pkg/logging"
)

const (
	serviceName    = "register-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	logger := logging.New(serviceName, serviceVersion)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger, logCloser := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Register Bridge stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device := cfg.DeviceSpec()
	metricsRegistry := metrics.NewRegistry()

	// =============================================================
	// Transport and protocol descriptors
	// =============================================================

	transport, err := modbus.NewTransport(device.ID, modbus.ConfigFromDevice(device), logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	defer transport.Close()

	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect to device: %w", err)
	}

	loader := config.NewDescriptorLoader(cfg.ProtocolsDir, cfg.General.BatchSize)
	readerConfig := engine.ReaderConfig{
		InitialDelay: cfg.Reader.InitialDelay,
		DelayStep:    cfg.Reader.DelayStep,
		MaxDelay:     cfg.Reader.MaxDelay,
		RetryBudget:  cfg.Reader.RetryBudget,
	}

	if cfg.Device.AnalyzeProtocol {
		return analyze(ctx, cfg, transport, loader, readerConfig, logger, metricsRegistry)
	}

	desc, err := loader.Load(cfg.Device.Protocol)
	if err != nil {
		return fmt.Errorf("load protocol %q: %w", cfg.Device.Protocol, err)
	}

	eng := engine.New(desc, transport, engine.Config{
		DeviceID:     device.ID,
		MaxPrecision: cfg.General.MaxPrecision,
		Reader:       readerConfig,
	}, logger, metricsRegistry)

	deviceLogger := logging.WithDeviceContext(logger, device.ID, desc.Name)
	deviceLogger.Info().
		Int("input_entries", len(desc.InputMap)).
		Int("holding_entries", len(desc.HoldingMap)).
		Msg("Protocol loaded")

	// =============================================================
	// MQTT
	// =============================================================

	bridgeConfig := service.BridgeConfig{
		DeviceID:      device.ID,
		BaseTopic:     cfg.MQTT.BaseTopic,
		ErrorTopic:    cfg.ErrorTopic(),
		Interval:      cfg.Time.Interval,
		ErrorInterval: cfg.Time.ErrorInterval,
		SendInput:     boolOr(cfg.Device.SendInput, desc.SendInput),
		SendHolding:   boolOr(cfg.Device.SendHolding, desc.SendHolding),
		InputPrefix:   cfg.Device.InputPrefix,
		HoldingPrefix: cfg.Device.HoldingPrefix,
		JSON:          cfg.MQTT.JSON,
		Measurement:   cfg.MQTT.Measurement,
		QoS:           cfg.MQTT.QoS,
	}

	publisher, err := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		CleanSession:   cfg.MQTT.CleanSession,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		TLSEnabled:     cfg.MQTT.TLSEnabled,
		TLSCertFile:    cfg.MQTT.TLSCertFile,
		TLSKeyFile:     cfg.MQTT.TLSKeyFile,
		TLSCAFile:      cfg.MQTT.TLSCAFile,
		BufferSize:     cfg.MQTT.BufferSize,
		WillTopic:      cfg.MQTT.BaseTopic + "/availability",
		WillPayload:    service.AvailabilityOffline,
	}, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create MQTT publisher: %w", err)
	}
	if err := publisher.Connect(ctx); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	defer publisher.Disconnect()

	serial, err := service.ResolveSerial(ctx, cfg.Device.SerialNumber, eng, deviceLogger)
	if err != nil {
		deviceLogger.Warn().Err(err).Msg("Serial number not available, using device ID")
		serial = device.ID
	}
	deviceLogger.Info().Str("serial", serial).Msg("Device identified")

	if cfg.MQTT.DiscoveryEnabled {
		discovery := mqtt.NewDiscovery(publisher, mqtt.DiscoveryConfig{
			Prefix:        cfg.MQTT.DiscoveryTopic,
			BaseTopic:     cfg.MQTT.BaseTopic,
			Serial:        serial,
			InputPrefix:   cfg.Device.InputPrefix,
			HoldingPrefix: cfg.Device.HoldingPrefix,
			SendInput:     bridgeConfig.SendInput,
			SendHolding:   bridgeConfig.SendHolding,
			Device: mqtt.DiscoveryDevice{
				Manufacturer: device.Manufacturer,
				Model:        device.Model,
				Name:         device.Name,
			},
		}, logger)
		n, err := discovery.Publish(ctx, desc)
		if err != nil {
			deviceLogger.Warn().Err(err).Msg("Failed to publish discovery configs")
		} else {
			deviceLogger.Info().Int("entities", n).Msg("Discovery configs published")
		}
	}

	// =============================================================
	// Services
	// =============================================================

	bridge := service.NewBridge(bridgeConfig, eng, publisher, logger, metricsRegistry)

	var cmdHandler *service.CommandHandler
	if cfg.Device.Write {
		commandConfig := service.DefaultCommandConfig()
		commandConfig.DeviceID = device.ID
		commandConfig.BaseTopic = cfg.MQTT.BaseTopic
		cmdHandler = service.NewCommandHandler(commandConfig, eng, publisher, publisher, logger, metricsRegistry)
		if err := cmdHandler.Start(ctx); err != nil {
			deviceLogger.Warn().Err(err).Msg("Write operations disabled")
		}
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		healthChecker := health.NewChecker(health.Config{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
		})
		healthChecker.AddCheck("transport", transport, true)
		healthChecker.AddCheck("mqtt", publisher, false)
		healthChecker.AddCheck("bridge", health.CheckFunc(func(ctx context.Context) error {
			if status := bridge.Status(); status.Status == domain.DeviceStatusError {
				return errors.New(status.LastError)
			}
			return nil
		}), false)

		apiHandler := api.NewAPIHandler(bridge, loader, logger)
		apiHandler.SetTopicTracker(publisher)
		apiHandler.SetTransportHealth(transport)
		if cmdHandler != nil {
			apiHandler.SetCommandProvider(cmdHandler)
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/health", healthChecker.HealthHandler)
		mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
		mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
		mux.Handle("/metrics", metricsRegistry.Handler())
		apiHandler.Register(mux)

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      mux,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		}

		go func() {
			logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	go updateSystemMetrics(ctx, metricsRegistry)

	logger.Info().
		Str("device_id", device.ID).
		Str("protocol", desc.Name).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Str("base_topic", cfg.MQTT.BaseTopic).
		Msg("Register Bridge started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if cmdHandler != nil {
		if err := cmdHandler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping command handler")
		}
	}

	if err := bridge.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping bridge")
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}

	logger.Info().Msg("Register Bridge shutdown complete")
	return nil
}

// analyze ranks every protocol in the descriptor directory against the
// device and logs the report.
func analyze(
	ctx context.Context,
	cfg *config.Config,
	transport domain.Transport,
	loader *config.DescriptorLoader,
	readerConfig engine.ReaderConfig,
	logger zerolog.Logger,
	metricsRegistry *metrics.Registry,
) error {
	descs, loadErrs, err := loader.LoadAll()
	if err != nil {
		return fmt.Errorf("load protocols: %w", err)
	}
	for name, loadErr := range loadErrs {
		logger.Warn().Err(loadErr).Str("protocol", name).Msg("Skipping invalid protocol")
	}

	store, closeStore := newScanStore(cfg)
	defer closeStore()

	analyzer := service.NewAnalyzer(transport, store, service.AnalyzerConfig{
		DeviceID:     cfg.Device.ID,
		BatchSize:    uint16(cfg.General.BatchSize),
		MaxPrecision: cfg.General.MaxPrecision,
		Reader:       readerConfig,
		LoadScan:     cfg.Device.AnalyzeLoad,
		SaveScan:     cfg.Device.AnalyzeSave,
	}, logger, metricsRegistry)

	if _, err := analyzer.Run(ctx, descs); err != nil {
		return fmt.Errorf("analyze protocol: %w", err)
	}
	return nil
}

// newScanStore builds the configured scan store and its release function.
func newScanStore(cfg *config.Config) (domain.ScanStore, func()) {
	if cfg.ScanStore.Kind == "redis" {
		store := scanstore.NewRedisStore(scanstore.RedisConfig{
			Address:   cfg.ScanStore.RedisAddress,
			Password:  cfg.ScanStore.RedisPassword,
			DB:        cfg.ScanStore.RedisDB,
			KeyPrefix: cfg.ScanStore.KeyPrefix,
			DeviceID:  cfg.Device.ID,
		})
		return store, func() { store.Close() }
	}
	return scanstore.NewFileStore(cfg.ScanStore.Dir), func() {}
}

func updateSystemMetrics(ctx context.Context, registry *metrics.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		registry.UpdateSystem()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func boolOr(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}
