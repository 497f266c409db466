package homeassistant

import (
	"context"
	"fmt"

	"github.com/ej52/hass-ollama-conversation/internal/fallback"
)

// Recognizer exposes Home Assistant's built-in conversation agent as a
// fallback.Recognizer. Recognition uses the agent's debug command, which
// matches sentences without executing them; processing goes through the
// REST conversation endpoint.
type Recognizer struct {
	rest    *Client
	ws      *WSClient
	agentID string
}

// NewRecognizer creates a Recognizer for the built-in agent.
func NewRecognizer(rest *Client, ws *WSClient) *Recognizer {
	return &Recognizer{rest: rest, ws: ws, agentID: BuiltinAgentID}
}

// Recognize returns the matched intent, or nil when the utterance is not
// recognized.
func (r *Recognizer) Recognize(ctx context.Context, in fallback.Input) (*fallback.Recognition, error) {
	results, err := r.ws.DebugConversation(ctx, []string{in.Text}, in.Language, in.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	if len(results) == 0 || results[0] == nil || results[0].Intent == nil {
		return nil, nil
	}
	return &fallback.Recognition{Intent: results[0].Intent.Name}, nil
}

// Process executes the utterance with the built-in agent.
func (r *Recognizer) Process(ctx context.Context, in fallback.Input) (*fallback.Response, error) {
	res, err := r.rest.ProcessConversation(ctx, ConversationRequest{
		Text:     in.Text,
		Language: in.Language,
		AgentID:  r.agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	return &fallback.Response{
		Type:           fallback.ResponseType(res.Response.ResponseType),
		Language:       res.Response.Language,
		Speech:         res.Response.Speech.Plain.Speech,
		ErrorCode:      res.Response.Data.Code,
		ConversationID: res.ConversationID,
	}, nil
}
