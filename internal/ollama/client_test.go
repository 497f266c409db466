package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		NumCtx:        2048,
		NumPredict:    128,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		Mirostat:      MirostatOff,
		MirostatEta:   0.1,
		MirostatTau:   5.0,
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://gpu:11434///", 0)
	if c.BaseURL() != "http://gpu:11434" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
	if c.Timeout() != DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", c.Timeout(), DefaultTimeout)
	}
}

func TestOptions_MarshalJSON(t *testing.T) {
	tests := []struct {
		name       string
		mirostat   MirostatMode
		wantTuning bool
	}{
		{"mirostat off omits tuning", MirostatOff, false},
		{"mirostat v1 sends tuning", MirostatV1, true},
		{"mirostat v2 sends tuning", MirostatV2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions()
			o.Mirostat = tt.mirostat
			data, err := json.Marshal(o)
			if err != nil {
				t.Fatal(err)
			}
			var m map[string]any
			json.Unmarshal(data, &m)

			for _, key := range []string{"num_ctx", "num_predict", "temperature", "top_k", "top_p", "repeat_penalty", "mirostat"} {
				if _, ok := m[key]; !ok {
					t.Errorf("missing %q in %s", key, data)
				}
			}
			_, hasEta := m["mirostat_eta"]
			_, hasTau := m["mirostat_tau"]
			if hasEta != tt.wantTuning || hasTau != tt.wantTuning {
				t.Errorf("eta/tau present = %v/%v, want %v: %s", hasEta, hasTau, tt.wantTuning, data)
			}
			if m["mirostat"] != float64(tt.mirostat) {
				t.Errorf("mirostat = %v, want %d", m["mirostat"], tt.mirostat)
			}
		})
	}
}

func TestOptions_ZeroTemperatureIsSent(t *testing.T) {
	o := testOptions()
	o.Temperature = 0
	data, _ := json.Marshal(o)
	if !strings.Contains(string(data), `"temperature":0`) {
		t.Errorf("zero temperature dropped: %s", data)
	}
}

func TestGenerate_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{
			"model": "llama2:latest",
			"created_at": "2024-01-02T03:04:05Z",
			"message": {"role": "assistant", "content": "The kitchen light is on."},
			"done": true,
			"total_duration": 1500000000,
			"prompt_eval_count": 42,
			"eval_count": 7
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	reply, err := c.Generate(context.Background(), Request{
		Model:   "llama2:latest",
		Options: testOptions(),
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a home assistant."},
			{Role: RoleUser, Content: "Is the kitchen light on?"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if reply.Text != "The kitchen light is on." {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.PromptTokens != 42 || reply.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d", reply.PromptTokens, reply.OutputTokens)
	}
	if reply.TotalDuration != 1500*time.Millisecond {
		t.Errorf("TotalDuration = %v", reply.TotalDuration)
	}
	if reply.Context != nil {
		t.Errorf("chat reply should carry no context, got %v", reply.Context)
	}
	if !reply.CreatedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", reply.CreatedAt)
	}

	if got["stream"] != false {
		t.Errorf("stream = %v, want false", got["stream"])
	}
	if got["model"] != "llama2:latest" {
		t.Errorf("model = %v", got["model"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", got["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first role = %v", first["role"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["num_ctx"] != float64(2048) || opts["num_predict"] != float64(128) {
		t.Errorf("options = %v", opts)
	}
	if _, ok := got["context"]; ok {
		t.Error("chat payload must not carry context")
	}
}

func TestGenerate_Legacy(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"llama2:latest","response":"Hi there.","context":[5,6,7],"done":true,"eval_count":3}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	reply, err := c.Generate(context.Background(), Request{
		Model:   "llama2:latest",
		Options: testOptions(),
		System:  "be brief",
		Prompt:  "hello",
		Context: []int{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "Hi there." {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(reply.Context) != 3 || reply.Context[2] != 7 {
		t.Errorf("Context = %v", reply.Context)
	}
	if got["system"] != "be brief" || got["prompt"] != "hello" || got["stream"] != false {
		t.Errorf("payload = %v", got)
	}
	ctx, _ := got["context"].([]any)
	if len(ctx) != 3 {
		t.Errorf("context = %v", got["context"])
	}
}

func TestGenerate_LegacyFirstTurnOmitsContext(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"response":"ok","context":[1]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Generate(context.Background(), Request{Model: "m", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["context"]; ok {
		t.Errorf("first legacy turn should omit context: %v", got)
	}
}

func TestGenerate_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantMsg  string
	}{
		{"404 json error", http.StatusNotFound, `{"error":"model 'nope' not found"}`, KindJSON, "model 'nope' not found"},
		{"404 plain", http.StatusNotFound, `404 page not found`, KindCommunication, ""},
		{"500", http.StatusInternalServerError, `{"error":"boom"}`, KindCommunication, ""},
		{"401", http.StatusUnauthorized, ``, KindAuthentication, ""},
		{"403", http.StatusForbidden, `denied`, KindAuthentication, ""},
		{"200 malformed", http.StatusOK, `{not json`, KindJSON, ""},
		{"200 missing message", http.StatusOK, `{"done":true}`, KindJSON, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, time.Second).Generate(context.Background(), Request{
				Model:    "m",
				Messages: []Message{{Role: RoleUser, Content: "hi"}},
			})
			var oe *Error
			if !errors.As(err, &oe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if oe.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v (%v)", oe.Kind, tt.wantKind, err)
			}
			if tt.wantMsg != "" && oe.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", oe.Message, tt.wantMsg)
			}
			if KindOf(err) != tt.wantKind {
				t.Errorf("KindOf = %v", KindOf(err))
			}
		})
	}
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := New(srv.URL, 50*time.Millisecond).Generate(context.Background(), Request{Model: "m", Prompt: "hi"})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestGenerate_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second).Generate(context.Background(), Request{Model: "m", Prompt: "hi"})
	var oe *Error
	if !errors.As(err, &oe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if oe.Kind != KindCommunication {
		t.Errorf("Kind = %v, want communication", oe.Kind)
	}
	if oe.Unwrap() == nil {
		t.Error("transport error should be wrapped")
	}
}

func TestGenerate_DoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	New(srv.URL, time.Second).Generate(context.Background(), Request{Model: "m", Prompt: "hi"})
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d calls, want 1", n)
	}
}

func TestHeartbeat(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		status int
		body   string
		want   bool
	}{
		{"lenient 200", false, http.StatusOK, "anything", true},
		{"lenient 204", false, http.StatusNoContent, "", true},
		{"lenient 500", false, http.StatusInternalServerError, "", false},
		{"strict banner", true, http.StatusOK, "Ollama is running", true},
		{"strict banner with newline", true, http.StatusOK, "Ollama is running\n", true},
		{"strict wrong body", true, http.StatusOK, "nginx welcome", false},
		{"strict 503", true, http.StatusServiceUnavailable, "Ollama is running", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			ok, err := New(srv.URL+"/", time.Second, WithStrictHeartbeat(tt.strict)).Heartbeat(context.Background())
			if err != nil {
				t.Fatalf("Heartbeat error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("Heartbeat() = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestHeartbeat_Idempotent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, Banner)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, WithStrictHeartbeat(true))
	for i := range 5 {
		ok, err := c.Heartbeat(context.Background())
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("server saw %d calls, want 5", n)
	}
}

func TestHeartbeat_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, time.Second)
	for i := range 3 {
		ok, err := c.Heartbeat(context.Background())
		if ok {
			t.Errorf("call %d: unreachable server reported alive", i)
		}
		if KindOf(err) != KindCommunication {
			t.Errorf("call %d: expected communication error, got %v", i, err)
		}
	}
}

func TestHeartbeat_SlowServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 50*time.Millisecond)
	for i := range 3 {
		ok, err := c.Heartbeat(context.Background())
		if ok {
			t.Errorf("call %d: slow server reported alive", i)
		}
		if KindOf(err) != KindTimeout {
			t.Errorf("call %d: expected timeout, got %v", i, err)
		}
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[
			{"name":"zephyr:latest","model":"zephyr:latest","size":4109865159,"digest":"abc","modified_at":"2024-01-01T00:00:00Z","details":{"family":"llama","parameter_size":"7B"}},
			{"name":"llama2:latest","model":"llama2:latest","size":3826793677,"digest":"def","modified_at":"2024-01-02T00:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	models, err := New(srv.URL, time.Second).ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models", len(models))
	}
	if models[0].Name != "zephyr:latest" || models[1].Name != "llama2:latest" {
		t.Errorf("server order not preserved: %v, %v", models[0].Name, models[1].Name)
	}
	if models[0].Details.ParameterSize != "7B" {
		t.Errorf("details = %+v", models[0].Details)
	}
}

func TestListModels_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).ListModels(context.Background())
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindCommunication || oe.Status != http.StatusBadGateway {
		t.Errorf("unexpected error %v", err)
	}
}

func TestKind_String(t *testing.T) {
	kinds := map[Kind]string{
		KindGeneric:        "generic",
		KindCommunication:  "communication",
		KindTimeout:        "timeout",
		KindJSON:           "json",
		KindAuthentication: "authentication",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(k), k.String(), want)
		}
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Kind: KindJSON, Op: "chat", Status: 404, Message: "model not found"}
	if !strings.Contains(e.Error(), "status 404") || !strings.Contains(e.Error(), "model not found") {
		t.Errorf("Error() = %q", e.Error())
	}
}
