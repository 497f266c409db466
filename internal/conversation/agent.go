// Package conversation runs one conversation turn end to end: optional
// built-in intent handling, session lookup or creation, the inference
// call, and translation of the outcome into a host response.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ej52/hass-ollama-conversation/internal/events"
	"github.com/ej52/hass-ollama-conversation/internal/fallback"
	"github.com/ej52/hass-ollama-conversation/internal/ollama"
	"github.com/ej52/hass-ollama-conversation/internal/prompt"
	"github.com/ej52/hass-ollama-conversation/internal/session"
	"github.com/ej52/hass-ollama-conversation/internal/usage"
)

// Generator performs inference calls. *ollama.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, r ollama.Request) (*ollama.Reply, error)
}

// TurnRecorder persists per-turn usage. *usage.Store satisfies it.
type TurnRecorder interface {
	Record(ctx context.Context, t usage.Turn) error
}

// Config holds the per-deployment turn settings.
type Config struct {
	Model   string
	Options ollama.Options
	// PromptTemplate is the system prompt template. Empty selects
	// prompt.DefaultTemplate.
	PromptTemplate string
	// Language is used when an Input carries none.
	Language string
}

// Deps are the collaborators an Agent needs. Generator and Sessions are
// required; the rest may be nil.
type Deps struct {
	Generator Generator
	Sessions  *session.Store
	Snapshots prompt.SnapshotProvider
	// Fallback, when set, is tried before the model on every turn.
	Fallback *fallback.Builtin
	Renderer *prompt.Renderer
	Events   *events.Bus
	Usage    TurnRecorder
	Logger   *slog.Logger
	// Clock and NewID are overridable for tests.
	Clock func() time.Time
	NewID func() (string, error)
}

// Agent processes conversation turns. It is safe for concurrent use;
// turns on the same conversation id are serialized.
type Agent struct {
	cfg       Config
	gen       Generator
	sessions  *session.Store
	snapshots prompt.SnapshotProvider
	fallback  *fallback.Builtin
	renderer  *prompt.Renderer
	events    *events.Bus
	usage     TurnRecorder
	logger    *slog.Logger
	clock     func() time.Time
	newID     func() (string, error)
}

// New creates an Agent.
func New(cfg Config, deps Deps) *Agent {
	a := &Agent{
		cfg:       cfg,
		gen:       deps.Generator,
		sessions:  deps.Sessions,
		snapshots: deps.Snapshots,
		fallback:  deps.Fallback,
		renderer:  deps.Renderer,
		events:    deps.Events,
		usage:     deps.Usage,
		logger:    deps.Logger,
		clock:     deps.Clock,
		newID:     deps.NewID,
	}
	if a.cfg.Language == "" {
		a.cfg.Language = "en"
	}
	if a.snapshots == nil {
		a.snapshots = prompt.Static{}
	}
	if a.renderer == nil {
		a.renderer = &prompt.Renderer{Clock: deps.Clock}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.newID == nil {
		a.newID = newConversationID
	}
	return a
}

func newConversationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Model returns the configured model name.
func (a *Agent) Model() string { return a.cfg.Model }

// Sessions returns the session store.
func (a *Agent) Sessions() *session.Store { return a.sessions }

// turn carries per-turn bookkeeping from Process to finish.
type turn struct {
	start  time.Time
	mode   session.Mode
	reply  *ollama.Reply
	logger *slog.Logger
}

// Process runs one turn. It always returns a Result; failures are
// reported in Result.Failure and as an error Response, never as a Go
// error.
func (a *Agent) Process(ctx context.Context, in Input) *Result {
	lang := in.Language
	if lang == "" {
		lang = a.cfg.Language
	}
	t := &turn{
		start:  a.clock(),
		mode:   a.sessions.Mode(),
		logger: a.logger.With("conversation_id", in.ConversationID),
	}

	a.events.Emit(events.SourceConversation, events.KindTurnStart, map[string]any{
		"conversation_id": in.ConversationID,
		"language":        lang,
	})

	if a.fallback != nil {
		resp, ok := a.fallback.TryHandle(ctx, fallback.Input{
			Text:           in.Text,
			ConversationID: in.ConversationID,
			Language:       lang,
			DeviceID:       in.DeviceID,
		})
		if ok {
			id := resp.ConversationID
			if id == "" {
				minted, err := a.newID()
				if err != nil {
					return a.fail(ctx, t, &Result{Path: PathFallback}, lang, fmt.Errorf("mint conversation id: %w", err))
				}
				id = minted
			}
			res := &Result{
				ConversationID: id,
				Response: Response{
					Type:      resp.Type,
					Language:  firstNonEmpty(resp.Language, lang),
					Speech:    resp.Speech,
					ErrorCode: resp.ErrorCode,
				},
				State: StateSuccess,
				Path:  PathFallback,
			}
			a.events.Emit(events.SourceConversation, events.KindFallbackHandled, map[string]any{
				"conversation_id": res.ConversationID,
				"response_type":   string(res.Response.Type),
			})
			a.finish(ctx, t, res)
			return res
		}
	}

	if in.ConversationID != "" {
		unlock := a.sessions.Lock(in.ConversationID)
		defer unlock()
	}

	res := &Result{Path: PathLLM}

	sess, found := a.sessions.Get(in.ConversationID)
	if found {
		res.Session = StateContinuingSession
		res.ConversationID = sess.ID()
	} else {
		res.Session = StateNewSession
		id, err := a.newID()
		if err != nil {
			return a.fail(ctx, t, res, lang, fmt.Errorf("mint conversation id: %w", err))
		}
		res.ConversationID = id
		t.logger = a.logger.With("conversation_id", id)

		sess, err = a.startSession(ctx, id, in, lang)
		if err != nil {
			return a.fail(ctx, t, res, lang, err)
		}
		a.events.Emit(events.SourceConversation, events.KindSessionCreated, map[string]any{
			"conversation_id": id,
			"mode":            string(sess.Mode()),
		})
	}

	req := sess.Request(a.cfg.Model, a.cfg.Options, in.Text)

	a.events.Emit(events.SourceConversation, events.KindModelCall, map[string]any{
		"conversation_id": res.ConversationID,
		"model":           a.cfg.Model,
		"mode":            string(sess.Mode()),
		"history_len":     sess.Len(),
	})
	t.logger.Debug("calling model", "model", a.cfg.Model, "mode", sess.Mode(), "turns", sess.Len(), "state", StateAwaitingModel)

	// A dispatched model call runs to completion or to the client timeout.
	reply, err := a.gen.Generate(context.WithoutCancel(ctx), req)
	if err != nil {
		return a.fail(ctx, t, res, lang, err)
	}
	t.reply = reply

	a.sessions.Put(sess.AppendTurn(in.Text, reply))

	res.State = StateSuccess
	res.Response = Response{
		Type:     ResponseActionDone,
		Language: lang,
		Speech:   PlainText(reply.Text),
	}
	a.finish(ctx, t, res)
	return res
}

// startSession renders the system prompt for a new conversation. Any
// failure, including fetching the environment, is a *prompt.RenderError.
func (a *Agent) startSession(ctx context.Context, id string, in Input, lang string) (session.Session, error) {
	env, err := a.snapshots.Fetch(ctx, in.DeviceID)
	if err != nil {
		return nil, &prompt.RenderError{Stage: "fetch", Err: err}
	}

	system, err := a.renderer.Render(a.cfg.PromptTemplate, prompt.NewContext(env, in.DeviceID, lang, a.clock()))
	if err != nil {
		return nil, err
	}

	sess, err := session.New(a.sessions.Mode(), id, system)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// fail fills res as a terminal error and finishes the turn.
func (a *Agent) fail(ctx context.Context, t *turn, res *Result, lang string, err error) *Result {
	res.State = StateErrorTerminal
	res.Failure = classify(err)
	res.Response = Response{
		Type:      ResponseError,
		Language:  lang,
		Speech:    failureSpeech(lang, res.Failure, serverDetail(err)),
		ErrorCode: ErrorCodeUnknown,
	}

	switch res.Failure {
	case FailureTemplate:
		t.logger.Error("error rendering system prompt", "error", err)
	default:
		t.logger.Error("error generating response", "failure", res.Failure, "error", err)
	}

	a.finish(ctx, t, res)
	return res
}

// finish publishes the closing event and records usage.
func (a *Agent) finish(ctx context.Context, t *turn, res *Result) {
	elapsed := a.clock().Sub(t.start)

	outcome := usage.OutcomeSuccess
	if res.State == StateErrorTerminal {
		outcome = string(res.Failure)
		a.events.Emit(events.SourceConversation, events.KindTurnFailed, map[string]any{
			"conversation_id": res.ConversationID,
			"failure":         string(res.Failure),
			"elapsed_ms":      elapsed.Milliseconds(),
		})
	} else {
		data := map[string]any{
			"conversation_id": res.ConversationID,
			"path":            string(res.Path),
			"elapsed_ms":      elapsed.Milliseconds(),
		}
		if t.reply != nil {
			data["model"] = t.reply.Model
			data["tokens_in"] = t.reply.PromptTokens
			data["tokens_out"] = t.reply.OutputTokens
		}
		a.events.Emit(events.SourceConversation, events.KindTurnComplete, data)
	}

	t.logger.Info("turn complete",
		"path", res.Path,
		"state", res.State,
		"session", res.Session,
		"failure", res.Failure,
		"elapsed", elapsed,
	)

	if a.usage == nil {
		return
	}
	rec := usage.Turn{
		ConversationID: res.ConversationID,
		Path:           string(res.Path),
		Mode:           string(t.mode),
		Outcome:        outcome,
		Latency:        elapsed,
	}
	if res.Path == PathLLM {
		rec.Model = a.cfg.Model
	}
	if t.reply != nil {
		if t.reply.Model != "" {
			rec.Model = t.reply.Model
		}
		rec.InputTokens = t.reply.PromptTokens
		rec.OutputTokens = t.reply.OutputTokens
		rec.ServerDuration = t.reply.TotalDuration
	}
	if err := a.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		t.logger.Warn("failed to record turn usage", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ErrNoGenerator is returned by Validate when Deps lacks a Generator.
var ErrNoGenerator = errors.New("conversation: generator is required")

// ErrNoSessions is returned by Validate when Deps lacks a session store.
var ErrNoSessions = errors.New("conversation: session store is required")

// Validate reports missing required dependencies.
func (d Deps) Validate() error {
	var errs []error
	if d.Generator == nil {
		errs = append(errs, ErrNoGenerator)
	}
	if d.Sessions == nil {
		errs = append(errs, ErrNoSessions)
	}
	return errors.Join(errs...)
}
