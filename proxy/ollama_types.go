package proxy

import "encoding/json"

// Ollama-shaped wire types. Hand-rolled rather than pulled from a
// client SDK; there is no canonical Ollama Go client worth depending on
// for a handful of request/response shapes.

type OllamaModelDetails struct {
	ParentModel       string   `json:"parent_model,omitempty"`
	Format            string   `json:"format,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
}

type OllamaToolCall struct {
	Function OllamaToolCallFunction `json:"function"`
}

type OllamaToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
}

type OllamaTool struct {
	Type     string             `json:"type"`
	Function OllamaToolFunction `json:"function"`
}

type OllamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model     string          `json:"model"`
	Messages  []OllamaMessage `json:"messages"`
	Tools     []OllamaTool    `json:"tools,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	Stream    *bool           `json:"stream,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
	Think     *bool           `json:"think,omitempty"`
}

func (r *ChatRequest) wantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// ChatResponse is both the terminal and per-chunk shape of POST /api/chat.
type ChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          string        `json:"created_at"`
	Message            OllamaMessage `json:"message"`
	Done               bool          `json:"done"`
	DoneReason         string        `json:"done_reason,omitempty"`
	TotalDuration      int64         `json:"total_duration,omitempty"`
	LoadDuration       int64         `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64         `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       int64         `json:"eval_duration,omitempty"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Suffix    string          `json:"suffix,omitempty"`
	Images    []string        `json:"images,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	System    string          `json:"system,omitempty"`
	Template  string          `json:"template,omitempty"`
	Stream    *bool           `json:"stream,omitempty"`
	Raw       bool            `json:"raw,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

func (r *GenerateRequest) wantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// GenerateResponse is both the terminal and per-chunk shape of POST /api/generate.
type GenerateResponse struct {
	Model              string `json:"model"`
	CreatedAt          string `json:"created_at"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	Context            []int  `json:"context,omitempty"`
	TotalDuration      int64  `json:"total_duration,omitempty"`
	LoadDuration       int64  `json:"load_duration,omitempty"`
	PromptEvalCount    int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          int    `json:"eval_count,omitempty"`
	EvalDuration       int64  `json:"eval_duration,omitempty"`
}

// EmbedRequest is the body of POST /api/embed.
type EmbedRequest struct {
	Model     string          `json:"model"`
	Input     json.RawMessage `json:"input"`
	Truncate  *bool           `json:"truncate,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

type EmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	TotalDuration   int64       `json:"total_duration,omitempty"`
	LoadDuration    int64       `json:"load_duration,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
}

// legacy single-input /api/embeddings
type EmbeddingsRequest struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

type EmbeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// ModelTagEntry is one element of GET /api/tags.
type ModelTagEntry struct {
	Name       string             `json:"name"`
	Model      string             `json:"model"`
	ModifiedAt string             `json:"modified_at"`
	Size       int64              `json:"size"`
	Digest     string             `json:"digest"`
	Details    OllamaModelDetails `json:"details"`
}

type TagsResponse struct {
	Models []ModelTagEntry `json:"models"`
}

// RunningModel is one element of GET /api/ps.
type RunningModel struct {
	Name      string             `json:"name"`
	Model     string             `json:"model"`
	Size      int64              `json:"size"`
	Digest    string             `json:"digest"`
	Details   OllamaModelDetails `json:"details"`
	ExpiresAt string             `json:"expires_at,omitempty"`
	SizeVRAM  int64              `json:"size_vram,omitempty"`
}

type PsResponse struct {
	Models []RunningModel `json:"models"`
}

// ShowRequest is the body of POST /api/show.
type ShowRequest struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Verbose bool   `json:"verbose,omitempty"`
}

func (r ShowRequest) modelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

type ShowResponse struct {
	Modelfile    string             `json:"modelfile,omitempty"`
	Parameters   string             `json:"parameters,omitempty"`
	Template     string             `json:"template,omitempty"`
	System       string             `json:"system,omitempty"`
	License      string             `json:"license,omitempty"`
	Details      OllamaModelDetails `json:"details"`
	Messages     []OllamaMessage    `json:"messages,omitempty"`
	ModelInfo    map[string]any     `json:"model_info,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	ModifiedAt   string             `json:"modified_at,omitempty"`
}

// CreateModelRequest is the body of POST /api/create. The proxy never
// builds weights; a create registers a virtual alias over an existing
// upstream model, carrying whatever prompt/parameter metadata came with
// the request.
type CreateModelRequest struct {
	Model      string          `json:"model"`
	Name       string          `json:"name"`
	From       string          `json:"from"`
	System     string          `json:"system,omitempty"`
	Template   string          `json:"template,omitempty"`
	License    json.RawMessage `json:"license,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Messages   []OllamaMessage `json:"messages,omitempty"`
	Adapters   json.RawMessage `json:"adapters,omitempty"`
	Stream     *bool           `json:"stream,omitempty"`
}

func (r CreateModelRequest) modelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

func (r *CreateModelRequest) wantsStream() bool {
	return r.Stream == nil || *r.Stream
}

type CopyModelRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type DeleteModelRequest struct {
	Model string `json:"model"`
	Name  string `json:"name"`
}

func (r DeleteModelRequest) modelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

// PullRequest is the body of POST /api/pull (and, name-only, /api/push).
type PullRequest struct {
	Model        string `json:"model"`
	Name         string `json:"name"`
	Insecure     bool   `json:"insecure,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Source       string `json:"source,omitempty"`
	Stream       *bool  `json:"stream,omitempty"`
}

func (r PullRequest) modelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

func (r *PullRequest) wantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// PullProgress is one NDJSON frame emitted during a pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type simpleStatus struct {
	Status string `json:"status"`
}
