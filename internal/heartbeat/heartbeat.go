// Package heartbeat polls the inference server's liveness endpoint and
// reports reachability transitions. It never takes part in conversation
// turns.
//
// A Watcher runs in two phases:
//  1. Startup: probes with exponential backoff (2s, 4s, 8s, ... capped
//     at 60s) until the server answers or retries run out
//  2. Background: probes every Interval (default 5m)
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/events"
)

// Pinger reports whether the inference server is alive.
// *ollama.Client satisfies it.
type Pinger interface {
	Heartbeat(ctx context.Context) (bool, error)
}

// Defaults for zero-valued Config fields.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultProbeTimeout = 10 * time.Second
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultMaxRetries   = 6
)

// Config configures a Watcher.
type Config struct {
	// Name identifies the watched server in logs and events.
	Name string

	// Interval between background probes.
	Interval time.Duration

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration

	// InitialDelay, MaxDelay and MaxRetries shape the startup backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int

	// OnUp and OnDown are called on transitions, including the first
	// probe result. They run on the watcher goroutine and must not block.
	OnUp   func()
	OnDown func(err error)

	Events *events.Bus
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "ollama"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is the latest probe outcome, suitable for JSON serialization
// in health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Reachable bool      `json:"reachable"`
	Known     bool      `json:"known"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one inference server.
type Watcher struct {
	pinger Pinger
	cfg    Config

	mu        sync.Mutex
	known     bool
	reachable bool
	lastCheck time.Time
	lastErr   error
}

// New creates a Watcher. Call Run to start probing.
func New(p Pinger, cfg Config) *Watcher {
	cfg.applyDefaults()
	return &Watcher{pinger: p, cfg: cfg}
}

// Reachable reports whether the last probe succeeded.
func (w *Watcher) Reachable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reachable
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Reachable: w.reachable,
		Known:     w.known,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Run probes until ctx is cancelled. It always returns nil so it can
// run under an errgroup without tearing down its siblings.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.cfg.Logger

	delay := w.cfg.InitialDelay
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if w.Check(ctx) == nil {
			logger.Debug("heartbeat startup probe succeeded", "server", w.cfg.Name, "attempts", attempt)
			break
		}
		if attempt == w.cfg.MaxRetries {
			logger.Info("server unreachable at startup, entering background polling",
				"server", w.cfg.Name,
				"attempts", attempt,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay = min(delay*2, w.cfg.MaxDelay)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check probes once, records the result, and fires transition hooks.
// It returns nil when the server is reachable.
func (w *Watcher) Check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()

	ok, err := w.pinger.Heartbeat(probeCtx)
	if err == nil && !ok {
		err = fmt.Errorf("%s: heartbeat not acknowledged", w.cfg.Name)
	}

	w.mu.Lock()
	wasKnown, wasReachable := w.known, w.reachable
	w.known = true
	w.reachable = err == nil
	w.lastCheck = time.Now()
	w.lastErr = err
	w.mu.Unlock()

	logger := w.cfg.Logger
	switch {
	case err == nil && (!wasKnown || !wasReachable):
		logger.Info("server reachable", "server", w.cfg.Name)
		w.cfg.Events.Emit(events.SourceHeartbeat, events.KindServerUp, map[string]any{"server": w.cfg.Name})
		if w.cfg.OnUp != nil {
			w.cfg.OnUp()
		}
	case err != nil && (!wasKnown || wasReachable):
		logger.Warn("server unreachable", "server", w.cfg.Name, "error", err)
		w.cfg.Events.Emit(events.SourceHeartbeat, events.KindServerDown, map[string]any{
			"server": w.cfg.Name,
			"error":  err.Error(),
		})
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	case err != nil:
		logger.Debug("server still unreachable", "server", w.cfg.Name, "error", err)
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
