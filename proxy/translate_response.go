package proxy

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// doneReasonFromUpstream collapses the many stop-reason spellings seen
// across LM Studio's endpoints into Ollama's closed done_reason set:
// stop, length, load, unload, error.
func doneReasonFromUpstream(reason string) string {
	switch strings.ToLower(reason) {
	case "", "stop", "eosfound", "tool_calls", "toolcalls", "function_call", "content_filter":
		return "stop"
	case "length", "max_tokens", "maxpredictedtokensreached":
		return "length"
	case "load":
		return "load"
	case "unload":
		return "unload"
	case "error", "failed":
		return "error"
	default:
		return "stop"
	}
}

// requestTimings is the measured wall-clock view of one request. It is
// the only source of Ollama's nanosecond duration fields: timings reported
// by the upstream are not read, and load_duration is always zero.
type requestTimings struct {
	Start      time.Time
	FirstToken time.Time
}

func (t requestTimings) fields() (total, load, promptEval, eval int64) {
	if t.Start.IsZero() {
		return 0, 0, 0, 0
	}
	total = time.Since(t.Start).Nanoseconds()
	if !t.FirstToken.IsZero() {
		promptEval = t.FirstToken.Sub(t.Start).Nanoseconds()
		eval = total - promptEval
	} else {
		eval = total
	}
	if eval < 0 {
		eval = 0
	}
	return total, 0, promptEval, eval
}

// ensureEvalCounts keeps Ollama clients from dividing by zero when LM
// Studio omits usage: they compute tokens/sec from these fields.
func ensureEvalCounts(promptTokens, completionTokens int, hasContent bool) (int, int) {
	if promptTokens+completionTokens == 0 && hasContent {
		completionTokens = 1
	}
	return promptTokens, completionTokens
}

func toOllamaToolCalls(calls []openai.ToolCall) []OllamaToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]OllamaToolCall, 0, len(calls))
	for _, tc := range calls {
		args := map[string]any{}
		// arguments arrive as a JSON string; a bad one becomes an empty map
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out = append(out, OllamaToolCall{
			Function: OllamaToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}

// chatResponseFromUpstream shapes a non-streaming /v1/chat/completions
// result into the Ollama /api/chat response, under the name the client
// asked with rather than the resolved identifier.
func chatResponseFromUpstream(clientModel string, resp *openai.ChatCompletionResponse, timings requestTimings) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, newError(ErrUpstreamProtocolError, "upstream response contained no choices", nil)
	}
	choice := resp.Choices[0]

	total, load, promptEval, eval := timings.fields()
	promptTokens, completionTokens := ensureEvalCounts(
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, choice.Message.Content != "")

	return &ChatResponse{
		Model:     clientModel,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Message: OllamaMessage{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: toOllamaToolCalls(choice.Message.ToolCalls),
		},
		Done:               true,
		DoneReason:         doneReasonFromUpstream(string(choice.FinishReason)),
		TotalDuration:      total,
		LoadDuration:       load,
		PromptEvalCount:    promptTokens,
		PromptEvalDuration: promptEval,
		EvalCount:          completionTokens,
		EvalDuration:       eval,
	}, nil
}

// generateResponseFromCompletion shapes a non-streaming /v1/completions
// result into the Ollama /api/generate response.
func generateResponseFromCompletion(clientModel string, resp *openai.CompletionResponse, timings requestTimings) (*GenerateResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, newError(ErrUpstreamProtocolError, "upstream response contained no choices", nil)
	}
	choice := resp.Choices[0]

	total, load, promptEval, eval := timings.fields()
	promptTokens, completionTokens := ensureEvalCounts(
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, choice.Text != "")

	return &GenerateResponse{
		Model:              clientModel,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
		Response:           choice.Text,
		Done:               true,
		DoneReason:         doneReasonFromUpstream(choice.FinishReason),
		TotalDuration:      total,
		LoadDuration:       load,
		PromptEvalCount:    promptTokens,
		PromptEvalDuration: promptEval,
		EvalCount:          completionTokens,
		EvalDuration:       eval,
	}, nil
}

// generateResponseFromChat covers the vision path, where /api/generate
// was fulfilled through /v1/chat/completions.
func generateResponseFromChat(clientModel string, resp *openai.ChatCompletionResponse, timings requestTimings) (*GenerateResponse, error) {
	chat, err := chatResponseFromUpstream(clientModel, resp, timings)
	if err != nil {
		return nil, err
	}
	return &GenerateResponse{
		Model:              chat.Model,
		CreatedAt:          chat.CreatedAt,
		Response:           chat.Message.Content,
		Done:               true,
		DoneReason:         chat.DoneReason,
		TotalDuration:      chat.TotalDuration,
		LoadDuration:       chat.LoadDuration,
		PromptEvalCount:    chat.PromptEvalCount,
		PromptEvalDuration: chat.PromptEvalDuration,
		EvalCount:          chat.EvalCount,
		EvalDuration:       chat.EvalDuration,
	}, nil
}

// syntheticDigest gives aliases (and upstream entries with no digest of
// their own) a stable digest for /api/tags and /api/ps.
func syntheticDigest(name string) string {
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("%x", sum)
}

func tagEntryForModel(m LMModel) ModelTagEntry {
	details := inferredModelDetails(m.ID)
	if m.Quantization != "" {
		details.QuantizationLevel = m.Quantization
	}
	if m.Arch != "" {
		details.Family = inferFamilyFromName(m.ID, m.Arch)
		if details.Family != "unknown" && details.Family != "" {
			details.Families = []string{details.Family}
		}
	}
	return ModelTagEntry{
		Name:       m.ID,
		Model:      m.ID,
		ModifiedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Size:       m.SizeBytes,
		Digest:     syntheticDigest(m.ID),
		Details:    details,
	}
}

func tagEntryForAlias(alias VirtualAlias, catalog []LMModel) ModelTagEntry {
	entry := ModelTagEntry{
		Name:       alias.Name,
		Model:      alias.Name,
		ModifiedAt: alias.CreatedAt.UTC().Format(time.RFC3339Nano),
		Digest:     syntheticDigest(alias.Name),
		Details:    inferredModelDetails(alias.Target),
	}
	entry.Details.ParentModel = alias.Target
	for _, m := range catalog {
		if m.ID == alias.Target {
			entry.Size = m.SizeBytes
			if m.Quantization != "" {
				entry.Details.QuantizationLevel = m.Quantization
			}
			break
		}
	}
	return entry
}

// tagsFromCatalog lists the upstream catalog plus every alias, aliases
// winning on name collisions.
func tagsFromCatalog(catalog []LMModel, aliases []VirtualAlias) TagsResponse {
	aliasNames := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		aliasNames[a.Name] = true
	}

	models := []ModelTagEntry{}
	for _, m := range catalog {
		if aliasNames[m.ID] {
			continue
		}
		models = append(models, tagEntryForModel(m))
	}
	for _, a := range aliases {
		models = append(models, tagEntryForAlias(a, catalog))
	}

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return TagsResponse{Models: models}
}

// psFromCatalog lists loaded upstream models plus aliases whose target
// is loaded.
func psFromCatalog(catalog []LMModel, aliases []VirtualAlias) PsResponse {
	loaded := make(map[string]LMModel)
	for _, m := range catalog {
		if m.loaded() {
			loaded[m.ID] = m
		}
	}

	models := []RunningModel{}
	for _, m := range catalog {
		if !m.loaded() {
			continue
		}
		entry := tagEntryForModel(m)
		models = append(models, RunningModel{
			Name:    entry.Name,
			Model:   entry.Model,
			Size:    entry.Size,
			Digest:  entry.Digest,
			Details: entry.Details,
		})
	}
	for _, a := range aliases {
		if _, ok := loaded[a.Target]; !ok {
			continue
		}
		entry := tagEntryForAlias(a, catalog)
		models = append(models, RunningModel{
			Name:    entry.Name,
			Model:   entry.Model,
			Size:    entry.Size,
			Digest:  entry.Digest,
			Details: entry.Details,
		})
	}

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return PsResponse{Models: models}
}

// synthesizeModelfile renders the alias metadata in Modelfile syntax so
// /api/show has something meaningful to return for a virtual model.
func synthesizeModelfile(alias VirtualAlias) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", alias.Target)
	if alias.System != "" {
		fmt.Fprintf(&b, "SYSTEM \"\"\"%s\"\"\"\n", alias.System)
	}
	if alias.Template != "" {
		fmt.Fprintf(&b, "TEMPLATE \"\"\"%s\"\"\"\n", alias.Template)
	}

	keys := make([]string, 0, len(alias.Parameters))
	for k := range alias.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "PARAMETER %s %v\n", k, alias.Parameters[k])
	}

	for _, adapter := range alias.Adapters {
		fmt.Fprintf(&b, "ADAPTER %s\n", adapter)
	}
	for _, msg := range alias.Messages {
		fmt.Fprintf(&b, "MESSAGE %s %s\n", msg.Role, msg.Content)
	}
	if alias.License != "" {
		fmt.Fprintf(&b, "LICENSE \"\"\"%s\"\"\"\n", alias.License)
	}
	return b.String()
}

// renderParameters renders an alias parameters map in the whitespace
// format Ollama uses for the show response's parameters field.
func renderParameters(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-30s %v\n", k, params[k])
	}
	return b.String()
}

// showResponseFor merges upstream catalog metadata with alias metadata
// when the shown name is an alias.
func showResponseFor(name string, alias VirtualAlias, isAlias bool, catalog []LMModel) ShowResponse {
	subject := name
	if isAlias {
		subject = alias.Target
	}

	var entry LMModel
	for _, m := range catalog {
		if m.ID == subject {
			entry = m
			break
		}
	}

	details := inferredModelDetails(subject)
	if entry.Quantization != "" {
		details.QuantizationLevel = entry.Quantization
	}
	if entry.Arch != "" {
		details.Family = inferFamilyFromName(subject, entry.Arch)
		if details.Family != "unknown" && details.Family != "" {
			details.Families = []string{details.Family}
		}
	}

	arch := entry.Arch
	if arch == "" {
		arch = inferPattern(subject, architecturePatterns, orderedArchKeys)
	}
	modelInfo := map[string]any{
		"general.architecture": arch,
	}
	if entry.MaxContextLength > 0 {
		modelInfo["llama.context_length"] = entry.MaxContextLength
	} else {
		modelInfo["llama.context_length"] = 2048
	}

	capabilities := []string{"completion"}
	switch entry.Type {
	case "vlm":
		capabilities = append(capabilities, "vision")
	case "embeddings":
		capabilities = []string{"embedding"}
	}

	resp := ShowResponse{
		Details:      details,
		ModelInfo:    modelInfo,
		Capabilities: capabilities,
	}

	if isAlias {
		details.ParentModel = alias.Target
		resp.Details = details
		resp.Modelfile = synthesizeModelfile(alias)
		resp.Template = alias.Template
		resp.License = alias.License
		resp.Parameters = renderParameters(alias.Parameters)
		resp.Messages = alias.Messages
		resp.ModifiedAt = alias.CreatedAt.UTC().Format(time.RFC3339Nano)
		if alias.System != "" {
			resp.System = alias.System
		}
	}

	return resp
}
