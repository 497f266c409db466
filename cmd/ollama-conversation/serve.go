package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ej52/hass-ollama-conversation/internal/api"
	"github.com/ej52/hass-ollama-conversation/internal/buildinfo"
	"github.com/ej52/hass-ollama-conversation/internal/config"
	"github.com/ej52/hass-ollama-conversation/internal/events"
	"github.com/ej52/hass-ollama-conversation/internal/heartbeat"
	"github.com/ej52/hass-ollama-conversation/internal/mqtt"
	"github.com/ej52/hass-ollama-conversation/internal/usage"
)

// shutdownTimeout bounds draining in-flight requests and the MQTT
// offline publish.
const shutdownTimeout = 10 * time.Second

// runServe handles the "serve" subcommand: it loads config, wires the
// agent, and runs the API server, heartbeat poller, MQTT publisher and
// config watcher until ctx is cancelled or a signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The usage ledger and Home Assistant websocket close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ollama-conversation",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, level := configuredLogger(stdout, cfg)
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Ollama.Model,
		"mode", cfg.Conversation.Mode, "intent_handler", cfg.Conversation.IntentHandler)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	// --- Usage ledger ---
	var ledger *usage.Store
	if cfg.Usage.Enabled {
		ledger, err = usage.NewStore(cfg.Usage.Path)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer ledger.Close()
		logger.Info("usage ledger enabled", "path", cfg.Usage.Path)
	}

	// --- Home Assistant ---
	ha := newHomeAssistant(cfg.HomeAssistant, logger)
	defer ha.close()
	if ha.configured() {
		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := ha.rest.Ping(pingCtx); err != nil {
			// Prompts render without entities until it comes back.
			logger.Warn("home assistant not reachable at startup", "url", cfg.HomeAssistant.URL, "error", err)
		} else {
			logger.Info("home assistant connected", "url", cfg.HomeAssistant.URL)
		}
		pingCancel()
	} else {
		logger.Info("home assistant not configured, prompts render without entities")
	}

	// --- Agent ---
	builder := &backendBuilder{ha: ha, bus: bus, logger: logger}
	if ledger != nil {
		builder.usage = ledger
	}
	backend, _, err := builder.build(cfg)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, backend, logger)
	server.SetEvents(bus)
	if ledger != nil {
		server.SetUsage(ledger)
	}

	// --- Heartbeat ---
	watcher := heartbeat.New(builder, heartbeat.Config{
		Name:         "ollama",
		Interval:     cfg.Heartbeat.Interval,
		ProbeTimeout: cfg.Heartbeat.ProbeTimeout,
		Events:       bus,
		Logger:       logger,
	})
	server.SetHealth(watcher)

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		turns := mqtt.NewDailyTurns(nil)
		if ledger != nil {
			seedDailyTurns(ctx, turns, ledger, logger)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, turns, &mqttStats{builder: builder, watcher: watcher}, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Config reload ---
	listen := cfg.Listen
	reload := func(next *config.Config) {
		if lvl, err := config.ParseLogLevel(next.LogLevel); err == nil {
			level.Set(lvl)
		}
		if next.Listen != listen {
			logger.Warn("listen address changes need a restart", "address", next.Listen.Address, "port", next.Listen.Port)
		}
		if next.HomeAssistant != cfg.HomeAssistant || next.MQTT != cfg.MQTT || next.Usage != cfg.Usage {
			logger.Warn("home assistant, mqtt and usage changes need a restart")
		}
		b, replaced, err := builder.build(next)
		if err != nil {
			logger.Error("config reload not applied", "error", err)
			return
		}
		server.SetBackend(b)
		if replaced {
			logger.Info("session store replaced, live conversations dropped", "mode", next.Conversation.Mode)
		}
		bus.Emit(events.SourceConfig, events.KindReloaded, map[string]any{
			"path":         cfgPath,
			"mode_changed": replaced,
		})
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		if err := config.Watch(gctx, cfgPath, logger, reload); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})
	if mqttPub != nil {
		g.Go(func() error {
			if err := mqttPub.Start(gctx, bus); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("ollama-conversation stopped")
	return nil
}

// seedDailyTurns loads today's totals from the ledger so the MQTT
// counters survive a restart.
func seedDailyTurns(ctx context.Context, turns *mqtt.DailyTurns, ledger *usage.Store, logger *slog.Logger) {
	now := time.Now()
	s, err := ledger.Summary(ctx, usage.StartOfDay(now), now)
	if err != nil {
		logger.Warn("could not seed daily turn counters", "error", err)
		return
	}
	turns.Seed(mqtt.TurnStats{
		Turns:        int64(s.Turns),
		Failures:     int64(s.Failures),
		InputTokens:  s.TotalInputTokens,
		OutputTokens: s.TotalOutputTokens,
	})
}

// mqttStats bridges the current agent and the heartbeat watcher to the
// MQTT publisher's [mqtt.StatsSource] interface.
type mqttStats struct {
	builder *backendBuilder
	watcher *heartbeat.Watcher
}

func (a *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }

func (a *mqttStats) Model() string {
	if agent := a.builder.currentAgent(); agent != nil {
		return agent.Model()
	}
	return ""
}

func (a *mqttStats) ActiveSessions() int {
	if agent := a.builder.currentAgent(); agent != nil {
		return agent.Sessions().Len()
	}
	return 0
}

func (a *mqttStats) ServerReachable() (bool, bool) {
	st := a.watcher.Status()
	return st.Reachable, st.Known
}
