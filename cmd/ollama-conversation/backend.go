package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/api"
	"github.com/ej52/hass-ollama-conversation/internal/config"
	"github.com/ej52/hass-ollama-conversation/internal/conversation"
	"github.com/ej52/hass-ollama-conversation/internal/events"
	"github.com/ej52/hass-ollama-conversation/internal/fallback"
	"github.com/ej52/hass-ollama-conversation/internal/homeassistant"
	"github.com/ej52/hass-ollama-conversation/internal/ollama"
	"github.com/ej52/hass-ollama-conversation/internal/prompt"
	"github.com/ej52/hass-ollama-conversation/internal/session"
)

// homeAssistant bundles the Home Assistant clients and the adapters the
// agent consumes. The zero value means Home Assistant is not configured.
type homeAssistant struct {
	rest       *homeassistant.Client
	ws         *homeassistant.WSClient
	snapshots  prompt.SnapshotProvider
	recognizer fallback.Recognizer
}

func newHomeAssistant(cfg config.HomeAssistantConfig, logger *slog.Logger) *homeAssistant {
	if !cfg.Configured() {
		return &homeAssistant{}
	}
	rest := homeassistant.NewClient(cfg.URL, cfg.Token, logger)
	ws := homeassistant.NewWSClient(cfg.URL, cfg.Token, logger)
	return &homeAssistant{
		rest:       rest,
		ws:         ws,
		snapshots:  homeassistant.NewSnapshots(rest, ws, logger),
		recognizer: homeassistant.NewRecognizer(rest, ws),
	}
}

func (h *homeAssistant) configured() bool { return h.rest != nil }

func (h *homeAssistant) close() {
	if h.ws != nil {
		_ = h.ws.Close()
	}
}

// backendBuilder turns a config into an [api.Backend]. Pieces that
// outlive a reload (event bus, usage ledger, Home Assistant clients, the
// session store while its shape is unchanged) are held here; the
// inference client and agent are rebuilt every time.
type backendBuilder struct {
	ha     *homeAssistant
	bus    *events.Bus
	usage  conversation.TurnRecorder
	logger *slog.Logger

	mu       sync.Mutex
	sessions *session.Store
	shape    sessionShape

	client atomic.Pointer[ollama.Client]
	agent  atomic.Pointer[conversation.Agent]
}

// sessionShape is the part of the config a session store is built
// from. A change in any field replaces the store.
type sessionShape struct {
	mode     session.Mode
	capacity int
	ttl      time.Duration
}

func shapeOf(cfg *config.Config) sessionShape {
	return sessionShape{
		mode:     session.Mode(cfg.Conversation.Mode),
		capacity: cfg.Session.Capacity,
		ttl:      cfg.Session.TTL,
	}
}

// build creates a backend for cfg and makes it current. It reports
// whether the session store was replaced, which drops every live
// conversation.
func (b *backendBuilder) build(cfg *config.Config) (*api.Backend, bool, error) {
	tmpl, err := cfg.PromptTemplate()
	if err != nil {
		return nil, false, err
	}

	builtin := cfg.Conversation.IntentHandler == config.IntentHandlerBuiltin
	if builtin && (b.ha == nil || b.ha.recognizer == nil) {
		return nil, false, fmt.Errorf("intent handler %q needs Home Assistant", config.IntentHandlerBuiltin)
	}

	b.mu.Lock()
	replaced := false
	if shape := shapeOf(cfg); b.sessions == nil || shape != b.shape {
		if b.sessions != nil {
			b.sessions.Purge()
			replaced = true
		}
		b.sessions = session.NewStore(shape.mode, shape.capacity, shape.ttl)
		b.shape = shape
	}
	sessions := b.sessions
	b.mu.Unlock()

	client := newOllamaClient(cfg, b.logger)

	deps := conversation.Deps{
		Generator: client,
		Sessions:  sessions,
		Events:    b.bus,
		Logger:    b.logger,
	}
	if b.ha != nil && b.ha.snapshots != nil {
		deps.Snapshots = b.ha.snapshots
	}
	if builtin {
		deps.Fallback = fallback.NewBuiltin(b.ha.recognizer, cfg.Conversation.NegativeAnswers, b.logger)
	}
	if b.usage != nil {
		deps.Usage = b.usage
	}
	if err := deps.Validate(); err != nil {
		return nil, false, err
	}

	agent := conversation.New(conversation.Config{
		Model:          cfg.Ollama.Model,
		Options:        optionsFromConfig(cfg.Ollama.Options),
		PromptTemplate: tmpl,
		Language:       cfg.Conversation.Language,
	}, deps)

	b.client.Store(client)
	b.agent.Store(agent)
	return &api.Backend{Agent: agent, Models: client}, replaced, nil
}

// Heartbeat probes whichever inference client is current, so the
// heartbeat watcher follows base URL changes across reloads.
func (b *backendBuilder) Heartbeat(ctx context.Context) (bool, error) {
	c := b.client.Load()
	if c == nil {
		return false, fmt.Errorf("no inference client configured")
	}
	return c.Heartbeat(ctx)
}

// currentAgent returns the most recently built agent, or nil.
func (b *backendBuilder) currentAgent() *conversation.Agent {
	return b.agent.Load()
}
