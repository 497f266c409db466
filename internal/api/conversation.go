package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ej52/hass-ollama-conversation/internal/config"
	"github.com/ej52/hass-ollama-conversation/internal/conversation"
)

// ProcessRequest is the body of POST /api/conversation/process.
type ProcessRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
}

// ProcessResponse mirrors the host's conversation result format.
type ProcessResponse struct {
	Response       IntentResponse `json:"response"`
	ConversationID string         `json:"conversation_id"`
}

// IntentResponse is the host's intent response envelope.
type IntentResponse struct {
	ResponseType string       `json:"response_type"`
	Language     string       `json:"language"`
	Speech       Speech       `json:"speech"`
	Card         struct{}     `json:"card"`
	Data         ResponseData `json:"data"`
}

// Speech holds the spoken reply.
type Speech struct {
	Plain PlainSpeech `json:"plain"`
}

// PlainSpeech is plain-text speech.
type PlainSpeech struct {
	Speech    string `json:"speech"`
	ExtraData any    `json:"extra_data"`
}

// ResponseData carries the error code for error responses and the
// (always empty) target lists otherwise.
type ResponseData struct {
	Code    string `json:"code,omitempty"`
	Targets []any  `json:"targets,omitempty"`
	Success []any  `json:"success,omitempty"`
	Failed  []any  `json:"failed,omitempty"`
}

func newProcessResponse(res *conversation.Result) ProcessResponse {
	out := ProcessResponse{
		ConversationID: res.ConversationID,
		Response: IntentResponse{
			ResponseType: string(res.Response.Type),
			Language:     res.Response.Language,
			Speech:       Speech{Plain: PlainSpeech{Speech: res.Response.Speech}},
		},
	}
	if res.Response.Type == conversation.ResponseError {
		out.Response.Data.Code = res.Response.ErrorCode
	} else {
		out.Response.Data.Targets = []any{}
		out.Response.Data.Success = []any{}
		out.Response.Data.Failed = []any{}
	}
	return out
}

// handleProcess runs one conversation turn. Turn failures are reported
// in the body as an error response with status 200, as the host
// expects; only malformed requests get a 4xx.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	b := s.backend.Load()
	if b == nil || b.Agent == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent not ready")
		return
	}

	body, err := captureBody(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "could not read request body")
		return
	}
	s.logger.Log(r.Context(), config.LevelTrace, "conversation request", "body", string(body))

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	res := b.Agent.Process(r.Context(), conversation.Input{
		Text:           req.Text,
		ConversationID: req.ConversationID,
		Language:       req.Language,
		DeviceID:       req.DeviceID,
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newProcessResponse(res), s.logger)
}
