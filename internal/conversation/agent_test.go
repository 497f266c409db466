package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/events"
	"github.com/ej52/hass-ollama-conversation/internal/fallback"
	"github.com/ej52/hass-ollama-conversation/internal/ollama"
	"github.com/ej52/hass-ollama-conversation/internal/prompt"
	"github.com/ej52/hass-ollama-conversation/internal/session"
	"github.com/ej52/hass-ollama-conversation/internal/usage"
)

// fakeGenerator records every request and answers from a script.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []ollama.Request
	reply    func(n int, r ollama.Request) (*ollama.Reply, error)
	ctxErr   error
}

func (f *fakeGenerator) Generate(ctx context.Context, r ollama.Request) (*ollama.Reply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	n := len(f.requests)
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	if f.reply == nil {
		return &ollama.Reply{Text: fmt.Sprintf("reply %d", n), Context: []int{n}}, nil
	}
	return f.reply(n, r)
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeGenerator) last() ollama.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// fakeSnapshots serves a mutable environment.
type fakeSnapshots struct {
	mu      sync.Mutex
	env     prompt.Environment
	err     error
	fetches int
}

func (f *fakeSnapshots) Fetch(context.Context, string) (prompt.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.env, f.err
}

func (f *fakeSnapshots) set(env prompt.Environment) {
	f.mu.Lock()
	f.env = env
	f.mu.Unlock()
}

type fakeRecognizer struct {
	rec  *fallback.Recognition
	resp *fallback.Response
}

func (f *fakeRecognizer) Recognize(context.Context, fallback.Input) (*fallback.Recognition, error) {
	return f.rec, nil
}

func (f *fakeRecognizer) Process(context.Context, fallback.Input) (*fallback.Response, error) {
	return f.resp, nil
}

type fakeUsage struct {
	mu    sync.Mutex
	turns []usage.Turn
}

func (f *fakeUsage) Record(_ context.Context, t usage.Turn) error {
	f.mu.Lock()
	f.turns = append(f.turns, t)
	f.mu.Unlock()
	return nil
}

type harness struct {
	agent     *Agent
	gen       *fakeGenerator
	snapshots *fakeSnapshots
	store     *session.Store
	usage     *fakeUsage
	bus       *events.Bus
}

func newHarness(t *testing.T, mode session.Mode, cfg Config, fb *fallback.Builtin) *harness {
	t.Helper()
	h := &harness{
		gen:       &fakeGenerator{},
		snapshots: &fakeSnapshots{},
		store:     session.NewStore(mode, 16, time.Hour),
		usage:     &fakeUsage{},
		bus:       events.New(),
	}
	if cfg.Model == "" {
		cfg.Model = "llama2:latest"
	}
	var ids atomic.Int32
	h.agent = New(cfg, Deps{
		Generator: h.gen,
		Sessions:  h.store,
		Snapshots: h.snapshots,
		Fallback:  fb,
		Events:    h.bus,
		Usage:     h.usage,
		NewID: func() (string, error) {
			return fmt.Sprintf("conv-%d", ids.Add(1)), nil
		},
	})
	return h
}

func chatMessages(t *testing.T, st *session.Store, id string) []ollama.Message {
	t.Helper()
	s, ok := st.Get(id)
	if !ok {
		t.Fatalf("no session stored for %q", id)
	}
	chat, ok := s.(*session.Chat)
	if !ok {
		t.Fatalf("expected *session.Chat, got %T", s)
	}
	return chat.Messages()
}

// TestProcess_EndToEnd drives a real inference client against a fake
// server: a new conversation with no exposed entities.
func TestProcess_EndToEnd(t *testing.T) {
	var got struct {
		Model    string           `json:"model"`
		Messages []ollama.Message `json:"messages"`
		Stream   bool             `json:"stream"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"hi there"},"done":true}`))
	}))
	defer srv.Close()

	store := session.NewStore(session.ModeChat, 16, time.Hour)
	agent := New(Config{Model: "llama2:latest"}, Deps{
		Generator: ollama.New(srv.URL, time.Second),
		Sessions:  store,
		Snapshots: prompt.Static{},
	})

	res := agent.Process(context.Background(), Input{Text: "hello"})

	if res.State != StateSuccess || res.Failure != FailureNone {
		t.Fatalf("result = %+v", res)
	}
	if res.Response.Speech != "hi there" {
		t.Errorf("speech = %q, want %q", res.Response.Speech, "hi there")
	}
	if res.ConversationID == "" {
		t.Error("conversation id not minted")
	}
	if res.Session != StateNewSession || res.Path != PathLLM {
		t.Errorf("session/path = %s/%s", res.Session, res.Path)
	}

	if len(got.Messages) != 2 || got.Messages[0].Role != ollama.RoleSystem ||
		got.Messages[1] != (ollama.Message{Role: ollama.RoleUser, Content: "hello"}) {
		t.Errorf("sent messages = %+v", got.Messages)
	}
	if got.Stream {
		t.Error("stream must be false")
	}

	msgs := chatMessages(t, store, res.ConversationID)
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	if msgs[2] != (ollama.Message{Role: ollama.RoleAssistant, Content: "hi there"}) {
		t.Errorf("assistant message = %+v", msgs[2])
	}
}

func TestProcess_SessionContinuity(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	ctx := context.Background()

	first := h.agent.Process(ctx, Input{Text: "one"})
	if first.State != StateSuccess {
		t.Fatalf("first turn: %+v", first)
	}
	afterFirst := chatMessages(t, h.store, first.ConversationID)

	second := h.agent.Process(ctx, Input{Text: "two", ConversationID: first.ConversationID})
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation id changed: %q -> %q", first.ConversationID, second.ConversationID)
	}
	if second.Session != StateContinuingSession {
		t.Errorf("second turn session state = %s", second.Session)
	}

	sent := h.gen.last().Messages
	if len(sent) != len(afterFirst)+1 {
		t.Fatalf("second request carried %d messages, want %d", len(sent), len(afterFirst)+1)
	}
	for i := range afterFirst {
		if sent[i] != afterFirst[i] {
			t.Errorf("message %d = %+v, want %+v", i, sent[i], afterFirst[i])
		}
	}

	afterSecond := chatMessages(t, h.store, first.ConversationID)
	if len(afterSecond) != len(afterFirst)+2 {
		t.Errorf("history grew by %d, want 2", len(afterSecond)-len(afterFirst))
	}
}

func TestProcess_PromptRenderedOnce(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{PromptTemplate: `Light is {{ state "light.kitchen" }}.`}, nil)
	ctx := context.Background()

	kitchen := func(state string) prompt.Environment {
		return prompt.Environment{Snapshot: prompt.BuildSnapshot(nil, []prompt.Placement{
			{AreaID: "kitchen", Entity: prompt.Entity{ID: "light.kitchen", State: state}},
		})}
	}

	h.snapshots.set(kitchen("on"))
	res := h.agent.Process(ctx, Input{Text: "one"})
	system := h.gen.last().Messages[0].Content
	if system != "Light is on." {
		t.Fatalf("system prompt = %q", system)
	}

	h.snapshots.set(kitchen("off"))
	for _, text := range []string{"two", "three"} {
		h.agent.Process(ctx, Input{Text: text, ConversationID: res.ConversationID})
		if got := h.gen.last().Messages[0].Content; got != system {
			t.Errorf("system prompt changed mid-session: %q", got)
		}
	}
	if h.snapshots.fetches != 1 {
		t.Errorf("snapshot fetched %d times, want 1", h.snapshots.fetches)
	}
}

func TestProcess_FailedTurnLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	ctx := context.Background()

	first := h.agent.Process(ctx, Input{Text: "one"})
	before, _ := h.store.Get(first.ConversationID)
	beforeMsgs := chatMessages(t, h.store, first.ConversationID)

	h.gen.reply = func(int, ollama.Request) (*ollama.Reply, error) {
		return nil, &ollama.Error{Kind: ollama.KindCommunication, Op: "chat", Err: errors.New("connection refused")}
	}
	res := h.agent.Process(ctx, Input{Text: "two", ConversationID: first.ConversationID})

	if res.State != StateErrorTerminal || res.Failure != FailureCommunication {
		t.Fatalf("result = %+v", res)
	}
	if res.ConversationID != first.ConversationID {
		t.Errorf("conversation id not preserved: %q", res.ConversationID)
	}
	if res.Response.Type != ResponseError || res.Response.ErrorCode != ErrorCodeUnknown {
		t.Errorf("response = %+v", res.Response)
	}
	if strings.Contains(res.Response.Speech, "refused") {
		t.Errorf("speech leaks transport error: %q", res.Response.Speech)
	}

	after, _ := h.store.Get(first.ConversationID)
	if after != before {
		t.Error("stored session replaced after failed turn")
	}
	afterMsgs := chatMessages(t, h.store, first.ConversationID)
	if len(afterMsgs) != len(beforeMsgs) {
		t.Errorf("history changed: %d -> %d messages", len(beforeMsgs), len(afterMsgs))
	}
}

func TestProcess_FirstTurnFailureStoresNothing(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	h.gen.reply = func(int, ollama.Request) (*ollama.Reply, error) {
		return nil, &ollama.Error{Kind: ollama.KindTimeout}
	}
	res := h.agent.Process(context.Background(), Input{Text: "hello"})
	if res.Failure != FailureTimeout || res.ConversationID == "" {
		t.Fatalf("result = %+v", res)
	}
	if h.store.Len() != 0 {
		t.Errorf("store has %d sessions after failed first turn", h.store.Len())
	}
}

func TestProcess_RenderFailure(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{PromptTemplate: `{{ .NoSuchField }}`}, nil)
	res := h.agent.Process(context.Background(), Input{Text: "hello", Language: "en"})

	if res.State != StateErrorTerminal || res.Failure != FailureTemplate {
		t.Fatalf("result = %+v", res)
	}
	want := "I had a problem with my system prompt, please check the logs for more information."
	if res.Response.Speech != want {
		t.Errorf("speech = %q", res.Response.Speech)
	}
	if res.ConversationID == "" {
		t.Error("minted id should still be returned")
	}
	if h.gen.calls() != 0 {
		t.Error("model must not be called after a render failure")
	}
	if h.store.Len() != 0 {
		t.Error("no session may be created on render failure")
	}
}

func TestProcess_SnapshotFailureIsTemplateFailure(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	h.snapshots.err = errors.New("websocket closed")
	res := h.agent.Process(context.Background(), Input{Text: "hello"})
	if res.Failure != FailureTemplate {
		t.Errorf("Failure = %q, want template", res.Failure)
	}
	if h.gen.calls() != 0 {
		t.Error("model must not be called")
	}
}

func TestProcess_UnknownIDMintsNew(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	res := h.agent.Process(context.Background(), Input{Text: "hello", ConversationID: "stale-id"})
	if res.ConversationID == "stale-id" || res.ConversationID == "" {
		t.Errorf("ConversationID = %q, want a freshly minted id", res.ConversationID)
	}
	if res.Session != StateNewSession {
		t.Errorf("Session = %s", res.Session)
	}
}

func TestProcess_FallbackShortCircuits(t *testing.T) {
	fb := fallback.NewBuiltin(&fakeRecognizer{
		rec:  &fallback.Recognition{Intent: fallback.IntentGetState},
		resp: &fallback.Response{Type: fallback.ResponseQueryAnswer, Speech: "Yes, Kitchen Light is on", ConversationID: "theirs"},
	}, nil, nil)
	h := newHarness(t, session.ModeChat, Config{}, fb)

	res := h.agent.Process(context.Background(), Input{Text: "is the kitchen light on", ConversationID: "mine", Language: "en"})

	if h.gen.calls() != 0 {
		t.Fatal("inference client must not be called when fallback answers")
	}
	if res.Path != PathFallback || res.State != StateSuccess {
		t.Errorf("result = %+v", res)
	}
	if res.ConversationID != "mine" {
		t.Errorf("ConversationID = %q, want caller's", res.ConversationID)
	}
	if res.Response.Speech != "Yes, Kitchen Light is on" || res.Response.Type != ResponseQueryAnswer {
		t.Errorf("response = %+v", res.Response)
	}
	if h.store.Len() != 0 {
		t.Error("fallback turn must not touch the session store")
	}
}

func TestProcess_FallbackMintsConversationID(t *testing.T) {
	fb := fallback.NewBuiltin(&fakeRecognizer{
		rec:  &fallback.Recognition{Intent: "HassTurnOff"},
		resp: &fallback.Response{Type: fallback.ResponseActionDone, Speech: "Turned off the lights"},
	}, nil, nil)
	h := newHarness(t, session.ModeChat, Config{}, fb)

	res := h.agent.Process(context.Background(), Input{Text: "turn off the lights"})

	if res.Path != PathFallback || res.State != StateSuccess {
		t.Fatalf("result = %+v", res)
	}
	if res.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want minted conv-1", res.ConversationID)
	}
	if h.store.Len() != 0 {
		t.Error("fallback turn must not touch the session store")
	}
}

func TestProcess_FallbackNegativeAnswerReachesModel(t *testing.T) {
	fb := fallback.NewBuiltin(&fakeRecognizer{
		rec:  &fallback.Recognition{Intent: fallback.IntentGetState},
		resp: &fallback.Response{Type: fallback.ResponseQueryAnswer, Speech: "Not any"},
	}, nil, nil)
	h := newHarness(t, session.ModeChat, Config{}, fb)

	res := h.agent.Process(context.Background(), Input{Text: "are any windows open"})
	if h.gen.calls() != 1 {
		t.Fatalf("model called %d times, want 1", h.gen.calls())
	}
	if res.Path != PathLLM || res.State != StateSuccess {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_LegacyMode(t *testing.T) {
	h := newHarness(t, session.ModeLegacy, Config{PromptTemplate: "be brief"}, nil)
	ctx := context.Background()

	first := h.agent.Process(ctx, Input{Text: "one"})
	req := h.gen.last()
	if req.IsChat() || req.System != "be brief" || req.Prompt != "one" || req.Context != nil {
		t.Errorf("first legacy request = %+v", req)
	}

	h.agent.Process(ctx, Input{Text: "two", ConversationID: first.ConversationID})
	req = h.gen.last()
	if req.Prompt != "two" || len(req.Context) != 1 || req.Context[0] != 1 {
		t.Errorf("second legacy request = %+v", req)
	}
	if req.System != "be brief" {
		t.Errorf("system = %q", req.System)
	}
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		lang       string
		want       Failure
		wantSpeech string
	}{
		{"communication", &ollama.Error{Kind: ollama.KindCommunication}, "en", FailureCommunication, "couldn't reach"},
		{"timeout", &ollama.Error{Kind: ollama.KindTimeout}, "en", FailureTimeout, "too long"},
		{"server", &ollama.Error{Kind: ollama.KindJSON, Message: "model 'x' not found"}, "en", FailureServer, "returned an error: model 'x' not found"},
		{"authentication", &ollama.Error{Kind: ollama.KindAuthentication}, "en", FailureAuthentication, "refused"},
		{"generic", &ollama.Error{Kind: ollama.KindGeneric}, "en", FailureUnknown, "Something went wrong"},
		{"untyped", errors.New("boom"), "en", FailureUnknown, "Something went wrong"},
		{"german", &ollama.Error{Kind: ollama.KindTimeout}, "de-DE", FailureTimeout, "zu lange"},
		{"unsupported language", &ollama.Error{Kind: ollama.KindTimeout}, "ja", FailureTimeout, "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, session.ModeChat, Config{}, nil)
			h.gen.reply = func(int, ollama.Request) (*ollama.Reply, error) { return nil, tt.err }

			res := h.agent.Process(context.Background(), Input{Text: "hi", Language: tt.lang})
			if res.Failure != tt.want {
				t.Errorf("Failure = %q, want %q", res.Failure, tt.want)
			}
			if !strings.Contains(res.Response.Speech, tt.wantSpeech) {
				t.Errorf("speech %q does not contain %q", res.Response.Speech, tt.wantSpeech)
			}
			if res.Response.Language != tt.lang {
				t.Errorf("language = %q, want %q", res.Response.Language, tt.lang)
			}
		})
	}
}

func TestProcess_SpeechIsPlainTextHistoryIsRaw(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	h.gen.reply = func(int, ollama.Request) (*ollama.Reply, error) {
		return &ollama.Reply{Text: "**Yes**, the light is *on*."}, nil
	}
	res := h.agent.Process(context.Background(), Input{Text: "light?"})
	if res.Response.Speech != "Yes, the light is on." {
		t.Errorf("speech = %q", res.Response.Speech)
	}
	msgs := chatMessages(t, h.store, res.ConversationID)
	if msgs[2].Content != "**Yes**, the light is *on*." {
		t.Errorf("stored reply = %q", msgs[2].Content)
	}
}

func TestProcess_DefaultLanguage(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{Language: "fr"}, nil)
	res := h.agent.Process(context.Background(), Input{Text: "bonjour"})
	if res.Response.Language != "fr" {
		t.Errorf("language = %q, want fr", res.Response.Language)
	}
}

func TestProcess_CancelledCallerDoesNotAbortModelCall(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.agent.Process(ctx, Input{Text: "hello"})
	if res.State != StateSuccess {
		t.Fatalf("result = %+v", res)
	}
	if h.gen.ctxErr != nil {
		t.Errorf("model call saw cancelled context: %v", h.gen.ctxErr)
	}
}

func TestProcess_SerializesSameConversation(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	first := h.agent.Process(context.Background(), Input{Text: "start"})

	var inFlight, maxInFlight atomic.Int32
	h.gen.reply = func(n int, _ ollama.Request) (*ollama.Reply, error) {
		cur := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &ollama.Reply{Text: fmt.Sprintf("reply %d", n)}, nil
	}

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.agent.Process(context.Background(), Input{Text: fmt.Sprint(i), ConversationID: first.ConversationID})
		}()
	}
	wg.Wait()

	if m := maxInFlight.Load(); m != 1 {
		t.Errorf("max concurrent model calls for one conversation = %d, want 1", m)
	}
	// Every serialized turn must have seen the previous one's history.
	msgs := chatMessages(t, h.store, first.ConversationID)
	if len(msgs) != 3+6*2 {
		t.Errorf("history has %d messages, want %d", len(msgs), 3+6*2)
	}
}

func TestProcess_EventsAndUsage(t *testing.T) {
	h := newHarness(t, session.ModeChat, Config{}, nil)
	sub := h.bus.Subscribe(32)
	defer sub.Close()

	h.gen.reply = func(int, ollama.Request) (*ollama.Reply, error) {
		return &ollama.Reply{Text: "ok", Model: "llama2:latest", PromptTokens: 12, OutputTokens: 3}, nil
	}
	h.agent.Process(context.Background(), Input{Text: "hello"})

	var kinds []string
	for len(sub.C) > 0 {
		kinds = append(kinds, (<-sub.C).Kind)
	}
	want := []string{events.KindTurnStart, events.KindSessionCreated, events.KindModelCall, events.KindTurnComplete}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}

	if len(h.usage.turns) != 1 {
		t.Fatalf("recorded %d turns", len(h.usage.turns))
	}
	rec := h.usage.turns[0]
	if rec.Outcome != usage.OutcomeSuccess || rec.InputTokens != 12 || rec.OutputTokens != 3 || rec.Mode != "chat" {
		t.Errorf("usage record = %+v", rec)
	}
}

func TestDeps_Validate(t *testing.T) {
	if err := (Deps{}).Validate(); !errors.Is(err, ErrNoGenerator) || !errors.Is(err, ErrNoSessions) {
		t.Errorf("Validate() = %v", err)
	}
	ok := Deps{Generator: &fakeGenerator{}, Sessions: session.NewStore(session.ModeChat, 1, time.Minute)}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
