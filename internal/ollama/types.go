package ollama

import (
	"encoding/json"
	"time"
)

// Message roles used in chat payloads.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MirostatMode selects the mirostat sampling algorithm.
type MirostatMode int

// Mirostat modes accepted by the server.
const (
	MirostatOff MirostatMode = 0
	MirostatV1  MirostatMode = 1
	MirostatV2  MirostatMode = 2
)

// Options are the sampling parameters forwarded with every request.
type Options struct {
	NumCtx        int
	NumPredict    int
	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
	Mirostat      MirostatMode
	MirostatEta   float64
	MirostatTau   float64
}

// wireOptions is the JSON shape the server expects. Zero values are
// meaningful for most fields (temperature 0 is deterministic), so only
// the mirostat tuning knobs are omitted, and only when mirostat is off.
type wireOptions struct {
	NumCtx        int      `json:"num_ctx"`
	NumPredict    int      `json:"num_predict"`
	Temperature   float64  `json:"temperature"`
	TopK          int      `json:"top_k"`
	TopP          float64  `json:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Mirostat      int      `json:"mirostat"`
	MirostatEta   *float64 `json:"mirostat_eta,omitempty"`
	MirostatTau   *float64 `json:"mirostat_tau,omitempty"`
}

// MarshalJSON encodes the options with the server's field names.
func (o Options) MarshalJSON() ([]byte, error) {
	w := wireOptions{
		NumCtx:        o.NumCtx,
		NumPredict:    o.NumPredict,
		Temperature:   o.Temperature,
		TopK:          o.TopK,
		TopP:          o.TopP,
		RepeatPenalty: o.RepeatPenalty,
		Mirostat:      int(o.Mirostat),
	}
	if o.Mirostat != MirostatOff {
		eta, tau := o.MirostatEta, o.MirostatTau
		w.MirostatEta = &eta
		w.MirostatTau = &tau
	}
	return json.Marshal(w)
}

// Request is one inference call. A request with Messages goes to the
// chat endpoint; otherwise System, Prompt and Context go to the
// generate endpoint.
type Request struct {
	Model    string
	Options  Options
	Messages []Message

	System  string
	Prompt  string
	Context []int
}

// IsChat reports whether the request uses the chat payload.
func (r Request) IsChat() bool {
	return len(r.Messages) > 0
}

// Reply is the decoded result of a successful inference call.
type Reply struct {
	Text          string
	Context       []int // continuation token; generate endpoint only
	Model         string
	PromptTokens  int
	OutputTokens  int
	TotalDuration time.Duration
	CreatedAt     time.Time
}

// Model describes one entry returned by ListModels.
type Model struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	ModifiedAt time.Time    `json:"modified_at"`
	Details    ModelDetails `json:"details"`
}

// ModelDetails carries the optional metadata block of a model listing.
type ModelDetails struct {
	Format            string `json:"format,omitempty"`
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// chatRequest is the request format for /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

// generateRequest is the request format for /api/generate.
type generateRequest struct {
	Model   string  `json:"model"`
	System  string  `json:"system,omitempty"`
	Prompt  string  `json:"prompt"`
	Context []int   `json:"context,omitempty"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

// usageStats are the counters both endpoints report when done.
type usageStats struct {
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// chatResponse is the response from /api/chat.
type chatResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   *Message  `json:"message"`
	Done      bool      `json:"done"`
	usageStats
}

// generateResponse is the response from /api/generate.
type generateResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Response  *string   `json:"response"`
	Context   []int     `json:"context"`
	Done      bool      `json:"done"`
	usageStats
}

func (u usageStats) apply(r *Reply) {
	r.PromptTokens = u.PromptEvalCount
	r.OutputTokens = u.EvalCount
	r.TotalDuration = time.Duration(u.TotalDuration)
}
