package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// requestTimeout bounds how long a websocket command waits for its
// result when the caller's context has no earlier deadline.
const requestTimeout = 30 * time.Second

// errConnectionLost is delivered to pending commands when the read loop
// exits.
var errConnectionLost = errors.New("websocket connection lost")

// WSClient manages a WebSocket connection to Home Assistant. It connects
// lazily on the first command and reconnects on the next command after
// the connection drops.
type WSClient struct {
	baseURL string
	token   string
	conn    *websocket.Conn
	connMu  sync.Mutex
	msgID   atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	logger *slog.Logger
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsResponse wraps the result with success/error info for the response channel.
type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
	Err     error
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		logger:  logger,
	}
}

// Connect establishes the WebSocket connection and authenticates. It is
// a no-op when already connected.
func (c *WSClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *WSClient) connectLocked(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	c.logger.Debug("connecting to Home Assistant WebSocket", "url", u.String())

	// Registries can be large; use a bigger read buffer.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	c.logger.Info("WebSocket authenticated")
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	authMsg := map[string]string{
		"type":         "auth",
		"access_token": token,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether a connection is currently open.
func (c *WSClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Call sends a command and returns its raw result, connecting first if
// needed. fields are merged into the command next to id and type.
func (c *WSClient) Call(ctx context.Context, msgType string, fields map[string]any) (json.RawMessage, error) {
	id := c.msgID.Add(1)
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = msgType

	resp, err := c.sendAndWait(ctx, id, msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msgType, err)
	}
	return resp, nil
}

// Area represents a Home Assistant area.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// Device represents a device registry entry.
type Device struct {
	ID         string `json:"id"`
	AreaID     string `json:"area_id"`
	Name       string `json:"name"`
	NameByUser string `json:"name_by_user"`
}

// EntityRegistryEntry represents an entity from the registry with area info.
type EntityRegistryEntry struct {
	EntityID     string   `json:"entity_id"`
	Name         string   `json:"name"`
	OriginalName string   `json:"original_name"`
	AreaID       string   `json:"area_id"`
	DeviceID     string   `json:"device_id"`
	Platform     string   `json:"platform"`
	DisabledBy   string   `json:"disabled_by"`
	Aliases      []string `json:"aliases"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// GetAreaRegistry retrieves the area registry.
func (c *WSClient) GetAreaRegistry(ctx context.Context) ([]Area, error) {
	var areas []Area
	if err := c.callInto(ctx, "config/area_registry/list", nil, &areas); err != nil {
		return nil, err
	}
	return areas, nil
}

// GetDeviceRegistry retrieves the device registry.
func (c *WSClient) GetDeviceRegistry(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.callInto(ctx, "config/device_registry/list", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetEntityRegistry retrieves the entity registry.
func (c *WSClient) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.callInto(ctx, "config/entity_registry/list", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ConversationAssistant is the assistant key used in expose settings.
const ConversationAssistant = "conversation"

// GetExposedEntities returns the ids of entities exposed to the given
// assistant.
func (c *WSClient) GetExposedEntities(ctx context.Context, assistant string) (map[string]bool, error) {
	var result struct {
		ExposedEntities map[string]map[string]bool `json:"exposed_entities"`
	}
	if err := c.callInto(ctx, "homeassistant/expose_entity/list", nil, &result); err != nil {
		return nil, err
	}
	exposed := make(map[string]bool, len(result.ExposedEntities))
	for id, assistants := range result.ExposedEntities {
		if assistants[assistant] {
			exposed[id] = true
		}
	}
	return exposed, nil
}

// DebugResult is one entry of the built-in agent's debug output. Intent
// is nil when the sentence was not recognized.
type DebugResult struct {
	Intent *struct {
		Name string `json:"name"`
	} `json:"intent"`
}

// DebugConversation runs sentences through the built-in agent's
// recognizer without executing anything.
func (c *WSClient) DebugConversation(ctx context.Context, sentences []string, language, deviceID string) ([]*DebugResult, error) {
	fields := map[string]any{"sentences": sentences}
	if language != "" {
		fields["language"] = language
	}
	if deviceID != "" {
		fields["device_id"] = deviceID
	}
	var result struct {
		Results []*DebugResult `json:"results"`
	}
	if err := c.callInto(ctx, "conversation/agent/homeassistant/debug", fields, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (c *WSClient) callInto(ctx context.Context, msgType string, fields map[string]any, out any) error {
	raw, err := c.Call(ctx, msgType, fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msgType, err)
	}
	return nil
}

// sendAndWait sends a message and waits for the response.
func (c *WSClient) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			c.connMu.Unlock()
			return nil, err
		}
	}
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop reads messages from conn until it fails, then detaches the
// connection and fails every pending command.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer c.detach(conn)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
			} else {
				c.logger.Warn("WebSocket read error, will reconnect on next request", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{
					Success: msg.Success,
					Result:  msg.Result,
					Error:   msg.Error,
				}
			}
			c.pendingMu.Unlock()

		case "pong":

		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}

func (c *WSClient) detach(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		select {
		case ch <- wsResponse{Err: errConnectionLost}:
		default:
		}
	}
	c.pendingMu.Unlock()
}
