//go:build !no_hass

package main

import (
	"log/slog"

	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/hass"
	"shelly-go-home/internal/mqtt"
)

// hassWill returns the last-will topic and payload that mark the bridge
// unavailable in Home Assistant.
func hassWill(cfg *Config) (string, string) {
	if !cfg.HomeAssistant.Enabled {
		return "", ""
	}
	return cfg.HomeAssistant.TopicPrefix + "/bridge/state", "offline"
}

// initBridge starts the Home Assistant bridge when enabled and returns its
// stop func.
func initBridge(gw *gateway.Gateway, client *mqtt.Client, cfg *Config, logger *slog.Logger) func() {
	if !cfg.HomeAssistant.Enabled {
		return func() {}
	}
	b := hass.NewBridge(gw, client, hass.Config{
		TopicPrefix:     cfg.HomeAssistant.TopicPrefix,
		DiscoveryPrefix: cfg.HomeAssistant.DiscoveryPrefix,
		CommandTimeout:  2 * cfg.Queue.CommandTimeout,
	}, logger)
	if err := b.Start(); err != nil {
		logger.Error("start Home Assistant bridge", "err", err)
		return func() {}
	}
	return b.Stop
}
