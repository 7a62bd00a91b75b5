//go:build no_automation

package main

import (
	"log/slog"

	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/web"
)

func initAutomation(*gateway.Gateway, *Config, *slog.Logger) (func(), []web.ServerOption) {
	return func() {}, nil
}
