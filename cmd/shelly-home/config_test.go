package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelly-go-home/internal/queue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  host: broker.local\n"))
	require.NoError(t, err)

	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "shellies", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, queue.DefaultCommandDelay, cfg.Queue.CommandDelay)
	assert.Equal(t, queue.DefaultCommandTimeout, cfg.Queue.CommandTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, "shelly-home.db", cfg.Store.Path)
	assert.Equal(t, "shelly-go-home", cfg.HomeAssistant.TopicPrefix)
	assert.Equal(t, "scripts", cfg.ScriptsDir)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigValues(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
mqtt:
  host: 10.0.0.2
  port: 8883
  qos: 1
queue:
  command_delay: 250ms
  command_timeout: 3s
web:
  broadcast_interval: 2s
history:
  enabled: true
  retention: 720h
influxdb:
  enabled: true
  url: http://influx:8086
  org: home
  bucket: lights
exec:
  allowlist: [/usr/bin/notify-send]
  timeout: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.CommandDelay)
	assert.Equal(t, 3*time.Second, cfg.Queue.CommandTimeout)
	assert.Equal(t, 2*time.Second, cfg.Web.BroadcastInterval)
	assert.Equal(t, 720*time.Hour, cfg.History.Retention)
	assert.Equal(t, []string{"/usr/bin/notify-send"}, cfg.Exec.Allowlist)
	assert.Equal(t, 5*time.Second, cfg.Exec.Timeout)
	assert.NoError(t, cfg.validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHELLY_HOME_MQTT_HOST", "env-broker")
	t.Setenv("SHELLY_HOME_MQTT_PORT", "1884")
	t.Setenv("SHELLY_HOME_WEB_API_KEY", "s3cret")
	t.Setenv("SHELLY_HOME_INFLUXDB_TOKEN", "tok")

	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  host: file-broker\n"))
	require.NoError(t, err)
	assert.Equal(t, "env-broker", cfg.MQTT.Host)
	assert.Equal(t, 1884, cfg.MQTT.Port)
	assert.Equal(t, "s3cret", cfg.Web.APIKey)
	assert.Equal(t, "tok", cfg.InfluxDB.Token)

	t.Setenv("SHELLY_HOME_MQTT_PORT", "abc")
	_, err = loadConfig(writeConfig(t, "mqtt:\n  host: file-broker\n"))
	assert.Error(t, err)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "mqtt: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var c Config
		c.MQTT.Host = "broker"
		applyDefaults(&c)
		return &c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing host", func(c *Config) { c.MQTT.Host = "" }, "mqtt.host"},
		{"bad port", func(c *Config) { c.MQTT.Port = 70000 }, "mqtt.port"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"wildcard prefix", func(c *Config) { c.MQTT.TopicPrefix = "shellies/#" }, "wildcards"},
		{"delay too small", func(c *Config) { c.Queue.CommandDelay = 10 * time.Millisecond }, "command_delay"},
		{"delay too large", func(c *Config) { c.Queue.CommandDelay = 3 * time.Second }, "command_delay"},
		{"negative retention", func(c *Config) { c.History.Retention = -time.Hour }, "retention"},
		{"influx without bucket", func(c *Config) { c.InfluxDB.Enabled = true; c.InfluxDB.URL = "http://x" }, "influxdb"},
		{"hass prefix clash", func(c *Config) {
			c.HomeAssistant.Enabled = true
			c.HomeAssistant.TopicPrefix = c.MQTT.TopicPrefix
		}, "homeassistant.topic_prefix"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFanOut(t *testing.T) {
	assert.Nil(t, fanOut(nil))

	var got []string
	obs := fanOut([]queue.Observer{
		func(ex queue.Execution) { got = append(got, "a:"+ex.Operation) },
		func(ex queue.Execution) { got = append(got, "b:"+ex.Operation) },
	})
	obs(queue.Execution{Operation: "power_on"})
	assert.Equal(t, []string{"a:power_on", "b:power_on"}, got)
}
