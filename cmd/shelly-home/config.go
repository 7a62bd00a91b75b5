package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shelly-go-home/internal/queue"
)

type Config struct {
	MQTT struct {
		Host        string        `yaml:"host"`
		Port        int           `yaml:"port"`
		ClientID    string        `yaml:"client_id"`
		KeepAlive   time.Duration `yaml:"keepalive"`
		Username    string        `yaml:"username"`
		Password    string        `yaml:"password"`
		TopicPrefix string        `yaml:"topic_prefix"`
		QoS         int           `yaml:"qos"`
	} `yaml:"mqtt"`
	Queue struct {
		CommandDelay   time.Duration `yaml:"command_delay"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
	} `yaml:"queue"`
	Web struct {
		Listen            string        `yaml:"listen"`
		APIKey            string        `yaml:"api_key"`
		AllowedOrigins    []string      `yaml:"allowed_origins"`
		BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	History struct {
		Enabled   bool          `yaml:"enabled"`
		Path      string        `yaml:"path"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"history"`
	InfluxDB struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Discovery struct {
		DonglePath string `yaml:"dongle_path"`
		Baud       int    `yaml:"baud"`
	} `yaml:"discovery"`
	HomeAssistant struct {
		Enabled         bool   `yaml:"enabled"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"homeassistant"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string      `yaml:"allowlist"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	var errs []error
	if c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host is required"))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS))
	}
	if strings.Contains(c.MQTT.TopicPrefix, "+") || strings.Contains(c.MQTT.TopicPrefix, "#") {
		errs = append(errs, fmt.Errorf("mqtt.topic_prefix must not contain wildcards: %q", c.MQTT.TopicPrefix))
	}
	if d := c.Queue.CommandDelay; d < queue.MinCommandDelay || d > queue.MaxCommandDelay {
		errs = append(errs, fmt.Errorf("queue.command_delay must be %s-%s, got %s", queue.MinCommandDelay, queue.MaxCommandDelay, d))
	}
	if c.Queue.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue.command_timeout must be positive, got %s", c.Queue.CommandTimeout))
	}
	if c.History.Retention < 0 {
		errs = append(errs, errors.New("history.retention must not be negative"))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled"))
	}
	if c.HomeAssistant.Enabled && c.HomeAssistant.TopicPrefix == c.MQTT.TopicPrefix {
		errs = append(errs, errors.New("homeassistant.topic_prefix must differ from mqtt.topic_prefix"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "smart-home-client"
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = 60 * time.Second
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "shellies"
	}
	if cfg.Queue.CommandDelay == 0 {
		cfg.Queue.CommandDelay = queue.DefaultCommandDelay
	}
	if cfg.Queue.CommandTimeout == 0 {
		cfg.Queue.CommandTimeout = queue.DefaultCommandTimeout
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "shelly-home.db"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "history.db"
	}
	if cfg.Discovery.DonglePath == "" {
		cfg.Discovery.DonglePath = "/dev/ttyUSB0"
	}
	if cfg.HomeAssistant.TopicPrefix == "" {
		cfg.HomeAssistant.TopicPrefix = "shelly-go-home"
	}
	if cfg.HomeAssistant.DiscoveryPrefix == "" {
		cfg.HomeAssistant.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Exec.Timeout == 0 {
		cfg.Exec.Timeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// applyEnvOverrides lets deployments keep secrets and host-specific values
// out of the YAML file.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"SHELLY_HOME_MQTT_HOST":      &cfg.MQTT.Host,
		"SHELLY_HOME_MQTT_USERNAME":  &cfg.MQTT.Username,
		"SHELLY_HOME_MQTT_PASSWORD":  &cfg.MQTT.Password,
		"SHELLY_HOME_WEB_LISTEN":     &cfg.Web.Listen,
		"SHELLY_HOME_WEB_API_KEY":    &cfg.Web.APIKey,
		"SHELLY_HOME_STORE_PATH":     &cfg.Store.Path,
		"SHELLY_HOME_INFLUXDB_TOKEN": &cfg.InfluxDB.Token,
		"SHELLY_HOME_LOG_LEVEL":      &cfg.Log.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("SHELLY_HOME_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SHELLY_HOME_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Port = port
	}
	return nil
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
	return slog.New(handler).With("service", "shelly-go-home")
}
