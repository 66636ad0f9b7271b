package proxy

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/sjson"
)

// jsonModeInstruction is appended to the system preamble (which is placed
// before the prompt) when the client asked for structured output on an
// endpoint that has no response_format field.
const jsonModeInstruction = "Respond using JSON."

// effectiveOptions merges alias-supplied parameters with the client's
// options. The client always wins on conflicts.
func effectiveOptions(alias VirtualAlias, clientOptions map[string]any) map[string]any {
	if len(alias.Parameters) == 0 {
		return clientOptions
	}
	merged := make(map[string]any, len(alias.Parameters)+len(clientOptions))
	for k, v := range alias.Parameters {
		merged[k] = v
	}
	for k, v := range clientOptions {
		merged[k] = v
	}
	return merged
}

// optionsHandledElsewhere are option keys consumed by the translator
// itself rather than copied into the upstream body verbatim.
var optionsHandledElsewhere = map[string]bool{
	"system":         true,
	"format":         true,
	"num_predict":    true,
	"max_tokens":     true,
	"repeat_penalty": true,
}

// applyOptions flattens an Ollama options map onto an already-marshaled
// upstream request body. Knobs with identical upstream names (and any
// keys this proxy doesn't know about) are copied through as-is, so new
// sampler settings survive without a proxy release.
func applyOptions(body []byte, options map[string]any) ([]byte, error) {
	for k, v := range options {
		if optionsHandledElsewhere[k] {
			continue
		}
		var err error
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, invalidRequestf("unusable option %q: %v", k, err)
		}
	}

	if maxTokens, ok := resolveMaxTokens(options); ok {
		var err error
		body, err = sjson.SetBytes(body, "max_tokens", maxTokens)
		if err != nil {
			return nil, invalidRequestf("unusable max_tokens: %v", err)
		}
	}

	// LM Studio's OpenAI-compatible surface has no repeat_penalty knob,
	// fold it into frequency_penalty unless the client set that too.
	if rp, ok := toFloat(options["repeat_penalty"]); ok {
		if _, has := options["frequency_penalty"]; !has {
			var err error
			body, err = sjson.SetBytes(body, "frequency_penalty", rp-1.0)
			if err != nil {
				return nil, invalidRequestf("unusable repeat_penalty: %v", err)
			}
		}
	}

	return body, nil
}

// resolveMaxTokens applies the num_predict/max_tokens precedence:
// max_tokens wins when both are present. A negative value on whichever
// field won means "no limit", which translates to sending nothing at
// all.
func resolveMaxTokens(options map[string]any) (int, bool) {
	if v, ok := toFloat(options["max_tokens"]); ok {
		if v < 0 {
			return 0, false
		}
		return int(v), true
	}
	if v, ok := toFloat(options["num_predict"]); ok {
		if v < 0 {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func optionString(options map[string]any, key string) string {
	if s, ok := options[key].(string); ok {
		return s
	}
	return ""
}

// parseResponseFormat interprets the Ollama format field: the string
// "json" asks for loose JSON mode, a JSON object is validated as a
// JSON-Schema and forwarded as a structured-output schema, and anything
// empty disables structured output.
func parseResponseFormat(format json.RawMessage) (*openai.ChatCompletionResponseFormat, error) {
	if len(format) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(format, &asString); err == nil {
		switch asString {
		case "":
			return nil, nil
		case "json":
			return &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}, nil
		default:
			return nil, invalidRequestf("format must be \"json\" or a JSON schema, got %q", asString)
		}
	}

	if string(format) == "null" {
		return nil, nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(format, &schema); err != nil {
		return nil, invalidRequestf("format is not a valid JSON schema: %v", err)
	}
	if _, err := schema.Resolve(nil); err != nil {
		return nil, invalidRequestf("format is not a valid JSON schema: %v", err)
	}

	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "response",
			Schema: json.RawMessage(format),
		},
	}, nil
}

// requestFormat picks the format value from the top-level field or, when
// absent there, from inside options. Top-level wins.
func requestFormat(topLevel json.RawMessage, options map[string]any) (json.RawMessage, error) {
	if len(topLevel) > 0 && string(topLevel) != "null" {
		return topLevel, nil
	}
	v, ok := options["format"]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, invalidRequestf("unusable options.format: %v", err)
	}
	return raw, nil
}

func validateImages(images []string) error {
	for _, img := range images {
		if _, err := base64.StdEncoding.DecodeString(img); err != nil {
			return invalidRequestf("image is not valid base64: %v", err)
		}
	}
	return nil
}

func toOpenAIMessage(msg OllamaMessage) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{Role: msg.Role}

	if len(msg.Images) > 0 {
		if err := validateImages(msg.Images); err != nil {
			return out, err
		}
		parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: msg.Content,
			})
		}
		for _, img := range msg.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/jpeg;base64," + img,
				},
			})
		}
		out.MultiContent = parts
	} else {
		out.Content = msg.Content
	}

	for _, tc := range msg.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return out, invalidRequestf("unusable tool call arguments: %v", err)
		}
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(args),
			},
		})
	}

	return out, nil
}

func toOpenAITools(tools []OllamaTool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

// buildChatRequestBody converts an Ollama /api/chat body into the JSON
// document sent to /v1/chat/completions. The resolved upstream id goes
// in the model field; the system prompt comes from options.system, a
// leading system message, or the alias, in that order; alias seed
// messages sit between the system prompt and the client's messages.
func buildChatRequestBody(req *ChatRequest, alias VirtualAlias, resolvedID string, stream bool) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, invalidRequestf("messages is required")
	}

	options := effectiveOptions(alias, req.Options)

	clientMessages := req.Messages
	systemPrompt := optionString(options, "system")
	if systemPrompt == "" && clientMessages[0].Role == "system" {
		systemPrompt = clientMessages[0].Content
		clientMessages = clientMessages[1:]
	}
	if systemPrompt == "" {
		systemPrompt = alias.System
	}

	formatRaw, err := requestFormat(req.Format, options)
	if err != nil {
		return nil, err
	}
	responseFormat, err := parseResponseFormat(formatRaw)
	if err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(clientMessages)+len(alias.Messages)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, seed := range alias.Messages {
		m, err := toOpenAIMessage(seed)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	for _, msg := range clientMessages {
		m, err := toOpenAIMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	upstreamReq := openai.ChatCompletionRequest{
		Model:          resolvedID,
		Messages:       messages,
		Tools:          toOpenAITools(req.Tools),
		ResponseFormat: responseFormat,
		Stream:         stream,
	}
	if stream {
		upstreamReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(upstreamReq)
	if err != nil {
		return nil, invalidRequestf("could not encode upstream request: %v", err)
	}
	return applyOptions(body, options)
}

// buildGenerateRequestBody converts an Ollama /api/generate body into an
// upstream request. Text-only prompts go to /v1/completions; prompts
// with images are routed through /v1/chat/completions (the vision code
// path), signalled by viaChat.
func buildGenerateRequestBody(req *GenerateRequest, alias VirtualAlias, resolvedID string, stream bool) (body []byte, viaChat bool, err error) {
	options := effectiveOptions(alias, req.Options)

	systemPrompt := req.System
	if systemPrompt == "" {
		systemPrompt = optionString(options, "system")
	}
	if systemPrompt == "" {
		systemPrompt = alias.System
	}

	formatRaw, err := requestFormat(req.Format, options)
	if err != nil {
		return nil, false, err
	}
	responseFormat, err := parseResponseFormat(formatRaw)
	if err != nil {
		return nil, false, err
	}

	if len(req.Images) > 0 {
		userMsg, err := toOpenAIMessage(OllamaMessage{
			Role:    "user",
			Content: req.Prompt,
			Images:  req.Images,
		})
		if err != nil {
			return nil, false, err
		}

		messages := []openai.ChatCompletionMessage{}
		if systemPrompt != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			})
		}
		messages = append(messages, userMsg)

		upstreamReq := openai.ChatCompletionRequest{
			Model:          resolvedID,
			Messages:       messages,
			ResponseFormat: responseFormat,
			Stream:         stream,
		}
		if stream {
			upstreamReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		}
		body, err := json.Marshal(upstreamReq)
		if err != nil {
			return nil, false, invalidRequestf("could not encode upstream request: %v", err)
		}
		body, err = applyOptions(body, options)
		return body, true, err
	}

	// /v1/completions has no response_format field, downgrade any
	// structured-output request to a plain instruction.
	fullPrompt := req.Prompt
	if responseFormat != nil {
		instruction := jsonModeInstruction
		if systemPrompt != "" {
			systemPrompt = systemPrompt + "\n\n" + instruction
		} else {
			systemPrompt = instruction
		}
	}
	if systemPrompt != "" {
		fullPrompt = systemPrompt + "\n\n" + fullPrompt
	}

	upstreamReq := openai.CompletionRequest{
		Model:  resolvedID,
		Prompt: fullPrompt,
		Suffix: req.Suffix,
		Stream: stream,
	}
	rawBody, err := json.Marshal(upstreamReq)
	if err != nil {
		return nil, false, invalidRequestf("could not encode upstream request: %v", err)
	}
	if stream {
		rawBody, err = sjson.SetBytes(rawBody, "stream_options.include_usage", true)
		if err != nil {
			return nil, false, invalidRequestf("could not encode upstream request: %v", err)
		}
	}
	rawBody, err = applyOptions(rawBody, options)
	return rawBody, false, err
}

// buildEmbeddingRequest builds one upstream embedding call for a single
// input string.
func buildEmbeddingRequest(resolvedID, input string) openai.EmbeddingRequest {
	return openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(resolvedID),
		Input: input,
	}
}

// embedInputs normalizes the /api/embed input field, which accepts a
// string or a sequence of strings.
func embedInputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, invalidRequestf("input is required")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, invalidRequestf("input must be a string or a list of strings")
	}
	if len(many) == 0 {
		return nil, invalidRequestf("input is required")
	}
	return many, nil
}
