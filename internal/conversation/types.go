package conversation

import (
	"errors"

	"github.com/ej52/hass-ollama-conversation/internal/fallback"
	"github.com/ej52/hass-ollama-conversation/internal/ollama"
	"github.com/ej52/hass-ollama-conversation/internal/prompt"
)

// Input is one utterance from the host.
type Input struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
}

// ResponseType mirrors the host's intent response types.
type ResponseType = fallback.ResponseType

// Response types.
const (
	ResponseActionDone  = fallback.ResponseActionDone
	ResponseQueryAnswer = fallback.ResponseQueryAnswer
	ResponseError       = fallback.ResponseError
)

// ErrorCodeUnknown is the host error code attached to every failure
// produced here.
const ErrorCodeUnknown = "unknown"

// Response is what the host speaks back.
type Response struct {
	Type      ResponseType
	Language  string
	Speech    string
	ErrorCode string // set only when Type is ResponseError
}

// TurnState names a step of the turn state machine.
type TurnState string

// Turn states. NewSession and ContinuingSession describe how the session
// was obtained; Success and ErrorTerminal end the turn.
const (
	StateNewSession        TurnState = "new_session"
	StateContinuingSession TurnState = "continuing_session"
	StateAwaitingModel     TurnState = "awaiting_model"
	StateSuccess           TurnState = "success"
	StateErrorTerminal     TurnState = "error"
)

// Path records which component produced the answer.
type Path string

// Answer paths.
const (
	PathFallback Path = "fallback"
	PathLLM      Path = "llm"
)

// Failure classifies why a turn ended in StateErrorTerminal.
type Failure string

// Failure classes. The empty Failure means the turn succeeded.
const (
	FailureNone           Failure = ""
	FailureCommunication  Failure = "communication"
	FailureTimeout        Failure = "timeout"
	FailureServer         Failure = "server"
	FailureAuthentication Failure = "authentication"
	FailureUnknown        Failure = "unknown"
	FailureTemplate       Failure = "template"
)

// Result is the outcome of one turn.
type Result struct {
	ConversationID string
	Response       Response
	// State is StateSuccess or StateErrorTerminal.
	State TurnState
	// Session is StateNewSession or StateContinuingSession for turns
	// that reached the session store, and empty otherwise.
	Session TurnState
	Path    Path
	Failure Failure
}

// classify maps an error from the prompt or inference step to a Failure.
func classify(err error) Failure {
	var re *prompt.RenderError
	if errors.As(err, &re) {
		return FailureTemplate
	}

	var oe *ollama.Error
	if !errors.As(err, &oe) {
		return FailureUnknown
	}
	switch oe.Kind {
	case ollama.KindCommunication:
		return FailureCommunication
	case ollama.KindTimeout:
		return FailureTimeout
	case ollama.KindJSON:
		return FailureServer
	case ollama.KindAuthentication:
		return FailureAuthentication
	case ollama.KindGeneric:
		return FailureUnknown
	}
	return FailureUnknown
}

// serverDetail returns the server-supplied error text for FailureServer,
// which is safe to show the user.
func serverDetail(err error) string {
	var oe *ollama.Error
	if errors.As(err, &oe) && oe.Kind == ollama.KindJSON {
		return oe.Message
	}
	return ""
}
