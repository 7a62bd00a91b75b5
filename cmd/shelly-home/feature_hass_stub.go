//go:build no_hass

package main

import (
	"log/slog"

	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/mqtt"
)

func hassWill(*Config) (string, string) { return "", "" }

func initBridge(*gateway.Gateway, *mqtt.Client, *Config, *slog.Logger) func() { return func() {} }
