// Package session holds per-conversation history between turns.
//
// A session is immutable: [Session.AppendTurn] returns a new value and
// leaves the receiver untouched, so a turn that fails part-way never
// corrupts what is stored.
package session

import (
	"fmt"
	"slices"

	"github.com/ej52/hass-ollama-conversation/internal/ollama"
)

// Mode is the payload style a session uses. One deployment uses one
// mode for every session.
type Mode string

const (
	// ModeChat keeps the full message list and talks to the chat endpoint.
	ModeChat Mode = "chat"
	// ModeLegacy keeps the server-issued context token and talks to the
	// generate endpoint.
	ModeLegacy Mode = "generate"
)

// ParseMode converts a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeChat, ModeLegacy:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown session mode %q", s)
}

// Session is the history of one conversation.
type Session interface {
	// ID returns the conversation id.
	ID() string
	// Mode returns the payload style.
	Mode() Mode
	// Len returns the number of completed turns.
	Len() int
	// Request builds the inference request for the next utterance.
	Request(model string, opts ollama.Options, utterance string) ollama.Request
	// AppendTurn returns a copy of the session with the completed turn
	// recorded.
	AppendTurn(utterance string, reply *ollama.Reply) Session
}

// New starts a session in the given mode with the rendered system prompt.
func New(mode Mode, id, systemPrompt string) (Session, error) {
	switch mode {
	case ModeChat:
		return &Chat{
			id:       id,
			messages: []ollama.Message{{Role: ollama.RoleSystem, Content: systemPrompt}},
		}, nil
	case ModeLegacy:
		return &Legacy{id: id, system: systemPrompt}, nil
	}
	return nil, fmt.Errorf("unknown session mode %q", mode)
}

// Chat is a session that replays the full message history on every turn.
// The first message is always the system prompt.
type Chat struct {
	id       string
	messages []ollama.Message
}

func (c *Chat) ID() string { return c.id }
func (c *Chat) Mode() Mode { return ModeChat }
func (c *Chat) Len() int { return (len(c.messages) - 1) / 2 }

// Messages returns a copy of the history, system prompt first.
func (c *Chat) Messages() []ollama.Message {
	return slices.Clone(c.messages)
}

// Request returns a chat request carrying the history plus the new
// user message.
func (c *Chat) Request(model string, opts ollama.Options, utterance string) ollama.Request {
	msgs := make([]ollama.Message, 0, len(c.messages)+1)
	msgs = append(msgs, c.messages...)
	msgs = append(msgs, ollama.Message{Role: ollama.RoleUser, Content: utterance})
	return ollama.Request{Model: model, Options: opts, Messages: msgs}
}

// AppendTurn returns a new Chat with the user message and the reply
// appended.
func (c *Chat) AppendTurn(utterance string, reply *ollama.Reply) Session {
	msgs := make([]ollama.Message, 0, len(c.messages)+2)
	msgs = append(msgs, c.messages...)
	msgs = append(msgs,
		ollama.Message{Role: ollama.RoleUser, Content: utterance},
		ollama.Message{Role: ollama.RoleAssistant, Content: reply.Text},
	)
	return &Chat{id: c.id, messages: msgs}
}

// Legacy is a session that keeps only the system prompt and the opaque
// continuation token issued by the server.
type Legacy struct {
	id           string
	system       string
	continuation []int
	turns        int
}

func (l *Legacy) ID() string { return l.id }
func (l *Legacy) Mode() Mode { return ModeLegacy }
func (l *Legacy) Len() int { return l.turns }

// System returns the rendered system prompt.
func (l *Legacy) System() string { return l.system }

// Continuation returns a copy of the last context token, nil before the
// first completed turn.
func (l *Legacy) Continuation() []int { return slices.Clone(l.continuation) }

// Request returns a generate request. The system prompt is sent on every
// turn; the continuation token only once the server has issued one.
func (l *Legacy) Request(model string, opts ollama.Options, utterance string) ollama.Request {
	return ollama.Request{
		Model:   model,
		Options: opts,
		System:  l.system,
		Prompt:  utterance,
		Context: slices.Clone(l.continuation),
	}
}

// AppendTurn returns a new Legacy holding the reply's context token.
func (l *Legacy) AppendTurn(_ string, reply *ollama.Reply) Session {
	return &Legacy{
		id:           l.id,
		system:       l.system,
		continuation: slices.Clone(reply.Context),
		turns:        l.turns + 1,
	}
}
