// Package homeassistant provides clients for the Home Assistant API and
// adapts them to the conversation agent's environment and built-in
// intent capabilities.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/httpkit"
)

// BuiltinAgentID is the id of Home Assistant's own conversation agent.
const BuiltinAgentID = "conversation.home_assistant"

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new Home Assistant client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// BaseURL returns the Home Assistant base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, or the object id
// part of the entity id when none is set.
func (s State) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
		return fn
	}
	_, object, ok := strings.Cut(s.EntityID, ".")
	if !ok {
		return s.EntityID
	}
	return strings.ReplaceAll(object, "_", " ")
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Config represents basic HA configuration.
type Config struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Language     string `json:"language"`
	Version      string `json:"version"`
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// ConversationRequest is the body of POST /api/conversation/process.
type ConversationRequest struct {
	Text           string `json:"text"`
	Language       string `json:"language,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// ConversationResult is Home Assistant's answer to a processed
// utterance.
type ConversationResult struct {
	Response struct {
		ResponseType string `json:"response_type"`
		Language     string `json:"language"`
		Speech       struct {
			Plain struct {
				Speech string `json:"speech"`
			} `json:"plain"`
		} `json:"speech"`
		Data struct {
			Code string `json:"code"`
		} `json:"data"`
	} `json:"response"`
	ConversationID string `json:"conversation_id"`
}

// ProcessConversation asks a Home Assistant conversation agent to
// handle an utterance.
func (c *Client) ProcessConversation(ctx context.Context, r ConversationRequest) (*ConversationResult, error) {
	var out ConversationResult
	if err := c.post(ctx, "/api/conversation/process", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, path, result)
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	reqBody, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, path, result)
}

func (c *Client) do(req *http.Request, path string, result any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
