// Package fallback tries the host platform's own intent recognizer
// before a turn is sent to the model. A confident, useful match is
// answered directly; anything else falls through.
package fallback

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

// IntentGetState is the state-query intent whose "nothing found"
// answers are not worth returning.
const IntentGetState = "HassGetState"

// DefaultNegativeAnswers are the state-query replies treated as "no
// answer".
var DefaultNegativeAnswers = []string{"Not any"}

// ResponseType is the outcome category of a handled utterance.
type ResponseType string

// Response types understood by the host.
const (
	ResponseActionDone  ResponseType = "action_done"
	ResponseQueryAnswer ResponseType = "query_answer"
	ResponseError       ResponseType = "error"
)

// Input is one utterance as received from the host.
type Input struct {
	Text           string
	ConversationID string
	Language       string
	DeviceID       string
}

// Recognition is the result of classifying an utterance.
type Recognition struct {
	Intent string
}

// Response is the recognizer's answer to an utterance.
type Response struct {
	Type           ResponseType
	Language       string
	Speech         string
	ErrorCode      string
	ConversationID string
}

// Recognizer classifies and executes utterances with the platform's
// built-in intent engine.
type Recognizer interface {
	// Recognize returns nil when the utterance matches no intent.
	Recognize(ctx context.Context, in Input) (*Recognition, error)
	// Process runs the utterance through the built-in agent.
	Process(ctx context.Context, in Input) (*Response, error)
}

// Builtin decides whether the built-in recognizer's answer should be
// used.
type Builtin struct {
	recognizer Recognizer
	negative   []string
	logger     *slog.Logger
}

// NewBuiltin wraps r. An empty negativeAnswers selects
// DefaultNegativeAnswers.
func NewBuiltin(r Recognizer, negativeAnswers []string, logger *slog.Logger) *Builtin {
	if len(negativeAnswers) == 0 {
		negativeAnswers = DefaultNegativeAnswers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builtin{
		recognizer: r,
		negative:   slices.Clone(negativeAnswers),
		logger:     logger,
	}
}

// TryHandle returns the recognizer's response and true when the
// utterance was recognized and answered usefully. It returns false
// when the utterance was not recognized, when recognition or processing
// failed, when processing produced an error response, or when a state
// query came back with a negative answer. The returned response carries
// the caller's conversation id.
func (b *Builtin) TryHandle(ctx context.Context, in Input) (*Response, bool) {
	rec, err := b.recognizer.Recognize(ctx, in)
	if err != nil {
		b.logger.Warn("builtin intent recognition failed", "error", err)
		return nil, false
	}
	if rec == nil {
		b.logger.Debug("utterance not recognized by builtin agent")
		return nil, false
	}

	resp, err := b.recognizer.Process(ctx, in)
	if err != nil {
		b.logger.Warn("builtin intent processing failed", "intent", rec.Intent, "error", err)
		return nil, false
	}
	if resp == nil || resp.Type == ResponseError {
		b.logger.Debug("builtin agent returned error response", "intent", rec.Intent)
		return nil, false
	}
	if rec.Intent == IntentGetState && b.isNegative(resp.Speech) {
		b.logger.Debug("builtin state query had no answer", "speech", resp.Speech)
		return nil, false
	}

	out := *resp
	out.ConversationID = in.ConversationID
	b.logger.Debug("builtin agent handled utterance", "intent", rec.Intent, "type", out.Type)
	return &out, true
}

func (b *Builtin) isNegative(speech string) bool {
	return slices.Contains(b.negative, strings.TrimSpace(speech))
}
