// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Intent handler modes.
const (
	IntentHandlerNone    = "none"
	IntentHandlerBuiltin = "builtin"
)

// Conversation payload modes. Chat keeps a message list per session and
// talks to /api/chat; generate keeps the server-issued context token and
// talks to /api/generate.
const (
	ModeChat     = "chat"
	ModeGenerate = "generate"
)

// Defaults mirror the values the settings UI offers.
const (
	DefaultBaseURL       = "http://homeassistant.local:11434"
	DefaultTimeoutSec    = 60
	DefaultModel         = "llama2:latest"
	DefaultCtxSize       = 2048
	DefaultMaxTokens     = 128
	DefaultMirostatMode  = 0
	DefaultMirostatEta   = 0.1
	DefaultMirostatTau   = 5.0
	DefaultTemperature   = 0.8
	DefaultRepeatPenalty = 1.1
	DefaultTopK          = 40
	DefaultTopP          = 0.9
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ollama-conversation/config.yaml,
// /etc/ollama-conversation/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ollama-conversation", "config.yaml"))
	}

	paths = append(paths, "/etc/ollama-conversation/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Ollama        OllamaConfig        `yaml:"ollama"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Session       SessionConfig       `yaml:"session"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Usage         UsageConfig         `yaml:"usage"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines how to reach the inference server.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout is the per-request timeout in seconds. It is fixed for the
	// life of the client.
	Timeout int    `yaml:"timeout"`
	Model   string `yaml:"model"`
	// StrictHeartbeat requires the root endpoint to answer with the
	// server's exact banner text, not just a 2xx.
	StrictHeartbeat bool          `yaml:"strict_heartbeat"`
	Options         OptionsConfig `yaml:"options"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (o OllamaConfig) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Second
}

// OptionsConfig holds the sampling options forwarded to the model.
type OptionsConfig struct {
	CtxSize       int     `yaml:"ctx_size"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	MirostatMode  int     `yaml:"mirostat_mode"` // 0 off, 1 mirostat, 2 mirostat 2.0
	MirostatEta   float64 `yaml:"mirostat_eta"`
	MirostatTau   float64 `yaml:"mirostat_tau"`
}

// ConversationConfig controls turn handling.
type ConversationConfig struct {
	// IntentHandler is "builtin" to try Home Assistant's own intent
	// recognizer before the model, or "none".
	IntentHandler string `yaml:"intent_handler"`
	// Mode is "chat" or "generate". Fixed per deployment.
	Mode string `yaml:"mode"`
	// Prompt is the system prompt template. PromptFile, when set, is
	// read instead and takes precedence.
	Prompt     string `yaml:"prompt"`
	PromptFile string `yaml:"prompt_file"`
	// NegativeAnswers are built-in recognizer replies to a state query
	// that mean "I don't know" and should fall through to the model.
	NegativeAnswers []string `yaml:"negative_answers"`
	// Language is used when a request does not carry one.
	Language string `yaml:"language"`
}

// SessionConfig bounds the in-memory conversation store.
type SessionConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether enough settings are present to connect.
func (h HomeAssistantConfig) Configured() bool {
	return h.URL != "" && h.Token != ""
}

// HeartbeatConfig controls the background liveness poller.
type HeartbeatConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// MQTTConfig defines the optional MQTT publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// UsageConfig enables the per-turn usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: <data_dir>/usage.db
}

// Load reads configuration from a YAML file. Values absent from the
// file keep their defaults; ${VAR} references are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration from data.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Ollama: OllamaConfig{
			BaseURL: DefaultBaseURL,
			Timeout: DefaultTimeoutSec,
			Model:   DefaultModel,
			Options: OptionsConfig{
				CtxSize:       DefaultCtxSize,
				MaxTokens:     DefaultMaxTokens,
				Temperature:   DefaultTemperature,
				TopK:          DefaultTopK,
				TopP:          DefaultTopP,
				RepeatPenalty: DefaultRepeatPenalty,
				MirostatMode:  DefaultMirostatMode,
				MirostatEta:   DefaultMirostatEta,
				MirostatTau:   DefaultMirostatTau,
			},
		},
		Conversation: ConversationConfig{
			IntentHandler:   IntentHandlerNone,
			Mode:            ModeChat,
			NegativeAnswers: []string{"Not any"},
			Language:        "en",
		},
		Session: SessionConfig{
			Capacity: 256,
			TTL:      30 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			Interval:     5 * time.Minute,
			ProbeTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			DeviceName:         "ollama-conversation",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		DataDir:   "./data",
		LogFormat: "text",
	}
}

// normalize cleans values that have a canonical form.
func (c *Config) normalize() {
	c.Ollama.BaseURL = strings.TrimRight(strings.TrimSpace(c.Ollama.BaseURL), "/")
	c.HomeAssistant.URL = strings.TrimRight(strings.TrimSpace(c.HomeAssistant.URL), "/")
	c.Conversation.IntentHandler = strings.ToLower(strings.TrimSpace(c.Conversation.IntentHandler))
	c.Conversation.Mode = strings.ToLower(strings.TrimSpace(c.Conversation.Mode))
	if c.Usage.Path == "" && c.DataDir != "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u, err := url.Parse(c.Ollama.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("ollama.base_url: invalid URL %q", c.Ollama.BaseURL)
	} else if u.Path != "" && u.Path != "/" {
		add("ollama.base_url: must not contain a path, got %q", u.Path)
	}
	if c.Ollama.Timeout <= 0 {
		add("ollama.timeout: must be positive, got %d", c.Ollama.Timeout)
	}
	if strings.TrimSpace(c.Ollama.Model) == "" {
		add("ollama.model: must not be empty")
	}

	o := c.Ollama.Options
	if o.CtxSize <= 0 {
		add("ollama.options.ctx_size: must be positive, got %d", o.CtxSize)
	}
	if o.MaxTokens <= 0 {
		add("ollama.options.max_tokens: must be positive, got %d", o.MaxTokens)
	}
	checkRange := func(name string, v, lo, hi float64) {
		if v < lo || v > hi {
			add("ollama.options.%s: %v out of range [%v, %v]", name, v, lo, hi)
		}
	}
	checkRange("temperature", o.Temperature, 0, 1)
	checkRange("top_k", float64(o.TopK), 0, 100)
	checkRange("top_p", o.TopP, 0, 1)
	checkRange("repeat_penalty", o.RepeatPenalty, 0, 2)
	checkRange("mirostat_eta", o.MirostatEta, 0, 1)
	checkRange("mirostat_tau", o.MirostatTau, 0, 10)
	if o.MirostatMode < 0 || o.MirostatMode > 2 {
		add("ollama.options.mirostat_mode: must be 0, 1 or 2, got %d", o.MirostatMode)
	}

	if !slices.Contains([]string{IntentHandlerNone, IntentHandlerBuiltin}, c.Conversation.IntentHandler) {
		add("conversation.intent_handler: must be %q or %q, got %q", IntentHandlerNone, IntentHandlerBuiltin, c.Conversation.IntentHandler)
	}
	if c.Conversation.IntentHandler == IntentHandlerBuiltin && !c.HomeAssistant.Configured() {
		add("conversation.intent_handler: %q requires homeassistant.url and homeassistant.token", IntentHandlerBuiltin)
	}
	if !slices.Contains([]string{ModeChat, ModeGenerate}, c.Conversation.Mode) {
		add("conversation.mode: must be %q or %q, got %q", ModeChat, ModeGenerate, c.Conversation.Mode)
	}

	if c.Session.Capacity < 0 {
		add("session.capacity: must not be negative, got %d", c.Session.Capacity)
	}
	if c.Session.TTL < 0 {
		add("session.ttl: must not be negative, got %v", c.Session.TTL)
	}
	if c.Heartbeat.Interval < 0 {
		add("heartbeat.interval: must not be negative, got %v", c.Heartbeat.Interval)
	}
	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec <= 0 {
		add("mqtt.publish_interval_sec: must be positive, got %d", c.MQTT.PublishIntervalSec)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format: must be text or json, got %q", c.LogFormat)
	}

	return errors.Join(errs...)
}

// PromptTemplate returns the configured system prompt template text,
// reading PromptFile when set. An empty result means "use the built-in
// default".
func (c *Config) PromptTemplate() (string, error) {
	if c.Conversation.PromptFile != "" {
		data, err := os.ReadFile(c.Conversation.PromptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(data), nil
	}
	return c.Conversation.Prompt, nil
}
