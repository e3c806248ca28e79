package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"enocean-go-home/internal/coordinator"
	"enocean-go-home/internal/eep"
	"enocean-go-home/internal/esp3"
	"enocean-go-home/internal/store"
	"enocean-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	ESP3 struct {
		Port     string `yaml:"port"`
		Baud     int    `yaml:"baud"`
		SenderID string `yaml:"sender_id"` // optional, defaults to the dongle's base id
	} `yaml:"esp3"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Thermostat struct {
		MinTemperature float64 `yaml:"min_temperature"`
		MaxTemperature float64 `yaml:"max_temperature"`
	} `yaml:"thermostat"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	DevicesDir string                     `yaml:"devices_dir"`
	ScriptsDir string                     `yaml:"scripts_dir"`
	Devices    []coordinator.DeviceConfig `yaml:"devices"`
}

func (c *Config) validate() error {
	if c.ESP3.Port == "" {
		return fmt.Errorf("esp3.port is required")
	}
	if c.ESP3.SenderID != "" {
		if _, err := eep.ParseID(c.ESP3.SenderID); err != nil {
			return fmt.Errorf("esp3.sender_id: %w", err)
		}
	}
	if err := c.thermostatDefaults().Validate(); err != nil {
		return fmt.Errorf("thermostat: %w", err)
	}
	if c.Telegram.BotToken != "" && len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("telegram.chat_ids is required when telegram.bot_token is set")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) thermostatDefaults() eep.ThermostatConfig {
	return eep.ThermostatConfig{
		MinTemperature: c.Thermostat.MinTemperature,
		MaxTemperature: c.Thermostat.MaxTemperature,
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("enocean-go-home starting", "version", version)

	deviceDB, err := loadDevices(cfg, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}
	logger.Info("devices loaded", "devices", deviceDB.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	radio, err := esp3.Open(cfg.ESP3.Port, cfg.ESP3.Baud, logger.With("component", "esp3"))
	if err != nil {
		logger.Error("open gateway", "err", err)
		os.Exit(1)
	}
	defer radio.Close()
	if cfg.ESP3.SenderID != "" {
		id, _ := eep.ParseID(cfg.ESP3.SenderID)
		radio.SetSenderID(id)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(radio, db, deviceDB, events, coordinator.NewMetrics(reg), coordinator.Config{
		Thermostat: cfg.thermostatDefaults(),
	}, coordinator.GatewayConfig{
		Port: cfg.ESP3.Port,
		Baud: cfg.ESP3.Baud,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		radio.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(reg),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

// loadDevices merges devices listed inline in the config with those found
// in the devices directory.
func loadDevices(cfg *Config, logger *slog.Logger) (*coordinator.DeviceDB, error) {
	deviceDB := coordinator.NewDeviceDB()
	for _, d := range cfg.Devices {
		if err := deviceDB.Add(d); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := coordinator.LoadDeviceDir(cfg.DevicesDir, deviceDB, logger); err != nil {
		return nil, err
	}
	if err := deviceDB.Validate(); err != nil {
		return nil, err
	}
	return deviceDB, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "enocean-home.db"
	}
	if cfg.ESP3.Baud == 0 {
		cfg.ESP3.Baud = esp3.DefaultBaudRate
	}
	defaults := eep.DefaultThermostatConfig()
	if cfg.Thermostat.MinTemperature == 0 && cfg.Thermostat.MaxTemperature == 0 {
		cfg.Thermostat.MinTemperature = defaults.MinTemperature
		cfg.Thermostat.MaxTemperature = defaults.MaxTemperature
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "enocean"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
