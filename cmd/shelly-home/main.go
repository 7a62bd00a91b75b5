package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shelly-go-home/internal/discovery"
	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/history"
	"shelly-go-home/internal/mqtt"
	"shelly-go-home/internal/queue"
	"shelly-go-home/internal/shelly"
	"shelly-go-home/internal/store"
	"shelly-go-home/internal/telemetry"
	"shelly-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

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
	logger.Info("shelly-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var observers []queue.Observer

	var hist *history.DB
	if cfg.History.Enabled {
		hist, err = history.Open(history.Config{Path: cfg.History.Path, Retention: cfg.History.Retention}, logger)
		if err != nil {
			logger.Error("open history", "err", err)
			os.Exit(1)
		}
		defer hist.Close()
		observers = append(observers, hist.Record)
	}

	var tel *telemetry.Writer
	if cfg.InfluxDB.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		tel, err = telemetry.Connect(ctx, telemetry.Config{
			Enabled:       true,
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, logger)
		cancel()
		if err != nil {
			// Telemetry is optional; the gateway runs without it.
			logger.Warn("telemetry disabled", "err", err)
			tel = nil
		} else {
			defer tel.Close()
			observers = append(observers, tel.Observe)
		}
	}

	q := queue.New(queue.Config{
		CommandDelay:   cfg.Queue.CommandDelay,
		CommandTimeout: cfg.Queue.CommandTimeout,
		Observer:       fanOut(observers),
	}, logger)

	codec := shelly.NewCodec(cfg.MQTT.TopicPrefix)
	willTopic, willPayload := hassWill(cfg)
	client := mqtt.New(mqtt.Config{
		Host:          cfg.MQTT.Host,
		Port:          cfg.MQTT.Port,
		ClientID:      cfg.MQTT.ClientID,
		KeepAlive:     cfg.MQTT.KeepAlive,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		QoS:           byte(cfg.MQTT.QoS),
		Subscriptions: codec.Subscriptions(),
		WillTopic:     willTopic,
		WillPayload:   willPayload,
	}, logger)

	events := gateway.NewEventBus(logger)
	gw := gateway.New(db, q, client, codec, events, logger)
	if err := gw.Load(); err != nil {
		logger.Error("load gateway state", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := client.Connect(connectCtx); err != nil {
		// paho keeps retrying; publishes fail with ErrNotConnected until it succeeds.
		logger.Warn("MQTT broker not reachable yet", "err", err)
	}
	connectCancel()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		gw.Consume(ctx, client.Messages())
	}()

	if tel != nil {
		detach := tel.Attach(events)
		defer detach()
	}

	// Start Home Assistant bridge (no-op when built with no_hass tag).
	stopBridge := initBridge(gw, client, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	stopAutomation, autoWebOpts := initAutomation(gw, cfg, logger)

	prober := discovery.New(discovery.Config{
		DonglePath: cfg.Discovery.DonglePath,
		BaudRate:   cfg.Discovery.Baud,
	}, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithDiscovery(prober),
		web.WithConnectionStatus(client.IsConnected),
		web.WithBroadcastInterval(cfg.Web.BroadcastInterval),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if hist != nil {
		webOpts = append(webOpts, web.WithHistory(hist))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(gw, logger, webOpts...)

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopAutomation()
	stopBridge()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Error("queue shutdown", "err", err)
	}
	cancel()
	client.Close()
	<-consumed

	logger.Info("goodbye")
}

// fanOut combines execution observers; nil when there are none.
func fanOut(observers []queue.Observer) queue.Observer {
	switch len(observers) {
	case 0:
		return nil
	case 1:
		return observers[0]
	}
	return func(ex queue.Execution) {
		for _, o := range observers {
			o(ex)
		}
	}
}
