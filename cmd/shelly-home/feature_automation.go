//go:build !no_automation

package main

import (
	"log/slog"

	"shelly-go-home/internal/automation"
	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/web"
)

// initAutomation starts the Lua engine over cfg.ScriptsDir. A broken scripts
// directory disables automations but not the gateway.
func initAutomation(gw *gateway.Gateway, cfg *Config, logger *slog.Logger) (stop func(), opts []web.ServerOption) {
	scripts, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("automations disabled", "dir", cfg.ScriptsDir, "err", err)
		return func() {}, nil
	}

	engine := automation.NewEngine(gw, scripts, logger, automation.SystemConfig{
		ExecAllowlist: cfg.Exec.Allowlist,
		ExecTimeout:   cfg.Exec.Timeout,
	})
	if err := engine.Start(); err != nil {
		logger.Error("start automation engine", "err", err)
	}
	return engine.Stop, []web.ServerOption{web.WithAutomation(engine, scripts)}
}
