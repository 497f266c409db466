package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ej52/hass-ollama-conversation/internal/config"
	"github.com/ej52/hass-ollama-conversation/internal/events"
)

// StatsSource provides runtime data for sensor state publishing. The
// concrete adapter is wired in main so this package does not depend on
// the agent or the heartbeat watcher.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Model returns the configured model name.
	Model() string
	// ActiveSessions returns the count of live conversation sessions.
	ActiveSessions() int
	// ServerReachable reports the last heartbeat result; known is false
	// until the first probe completes.
	ServerReachable() (reachable, known bool)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes sensor state updates on a timer
// and whenever the inference server's reachability changes.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	turns      *DailyTurns
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, turns *DailyTurns, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if turns == nil {
		turns = NewDailyTurns(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		turns:      turns,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and publishes until ctx is
// cancelled. When bus is non-nil, turn events feed the daily counters
// and heartbeat transitions trigger an immediate state publish.
func (p *Publisher) Start(ctx context.Context, bus *events.Bus) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ollama-conversation-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	var sub *events.Subscription
	if bus != nil {
		sub = bus.Subscribe(64)
		defer sub.Close()
	}
	p.runLoop(ctx, sub)
	return nil
}

// Stop publishes "offline" availability and disconnects. ctx bounds
// the publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "ollama-conversation/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type entityDef struct {
	component    string // sensor or binary_sensor
	entitySuffix string
	config       EntityConfig
}

func (p *Publisher) entityDefinitions() []entityDef {
	def := func(component, suffix, name, icon string, mutate func(*EntityConfig)) entityDef {
		c := EntityConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		}
		if mutate != nil {
			mutate(&c)
		}
		return entityDef{component: component, entitySuffix: suffix, config: c}
	}

	return []entityDef{
		def("binary_sensor", "ollama_reachable", "Ollama Reachable", "", func(c *EntityConfig) {
			c.DeviceClass = "connectivity"
			c.PayloadOn = "ON"
			c.PayloadOff = "OFF"
		}),
		def("sensor", "active_sessions", "Active Sessions", "mdi:chat-processing", func(c *EntityConfig) {
			c.StateClass = "measurement"
		}),
		def("sensor", "turns_today", "Turns Today", "mdi:counter", func(c *EntityConfig) {
			c.StateClass = "total_increasing"
		}),
		def("sensor", "failed_turns_today", "Failed Turns Today", "mdi:alert-circle-outline", func(c *EntityConfig) {
			c.StateClass = "total_increasing"
		}),
		def("sensor", "tokens_today", "Tokens Today", "mdi:counter", func(c *EntityConfig) {
			c.StateClass = "total_increasing"
			c.UnitOfMeasurement = "tokens"
		}),
		def("sensor", "last_turn", "Last Turn", "mdi:clock-check", func(c *EntityConfig) {
			c.DeviceClass = "timestamp"
		}),
		def("sensor", "model", "Model", "mdi:brain", func(c *EntityConfig) {
			c.EntityCategory = "diagnostic"
		}),
		def("sensor", "version", "Version", "mdi:tag", func(c *EntityConfig) {
			c.EntityCategory = "diagnostic"
		}),
		def("sensor", "uptime", "Uptime", "mdi:clock-outline", func(c *EntityConfig) {
			c.EntityCategory = "diagnostic"
		}),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range p.entityDefinitions() {
		topic := p.discoveryTopic(e.component, e.entitySuffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", e.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", e.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", e.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State loop ---

func (p *Publisher) runLoop(ctx context.Context, sub *events.Subscription) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var eventsC <-chan events.Event
	if sub != nil {
		eventsC = sub.C
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-eventsC:
			if !ok {
				eventsC = nil
				continue
			}
			if p.handleEvent(e) {
				p.publishStates(ctx)
			}
		}
	}
}

// handleEvent feeds e into the daily counters and reports whether the
// states should be published right away.
func (p *Publisher) handleEvent(e events.Event) bool {
	p.turns.Observe(e)
	return e.Source == events.SourceHeartbeat &&
		(e.Kind == events.KindServerUp || e.Kind == events.KindServerDown)
}

// stateValues renders every entity's current state payload.
func (p *Publisher) stateValues() map[string]string {
	t := p.turns.Snapshot()
	states := map[string]string{
		"turns_today":        strconv.FormatInt(t.Turns, 10),
		"failed_turns_today": strconv.FormatInt(t.Failures, 10),
		"tokens_today":       strconv.FormatInt(t.InputTokens+t.OutputTokens, 10),
		"version":            p.device.SWVersion,
	}
	if t.LastTurn.IsZero() {
		states["last_turn"] = "None"
	} else {
		states["last_turn"] = t.LastTurn.UTC().Format(time.RFC3339)
	}

	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["model"] = p.stats.Model()
		states["active_sessions"] = strconv.Itoa(p.stats.ActiveSessions())
		if reachable, known := p.stats.ServerReachable(); known {
			states["ollama_reachable"] = "OFF"
			if reachable {
				states["ollama_reachable"] = "ON"
			}
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.stateValues()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
