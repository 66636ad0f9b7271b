package proxy

import (
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoneReasonFromUpstream(t *testing.T) {
	tests := map[string]string{
		"stop":                      "stop",
		"eosFound":                  "stop",
		"tool_calls":                "stop",
		"toolCalls":                 "stop",
		"length":                    "length",
		"maxPredictedTokensReached": "length",
		"max_tokens":                "length",
		"load":                      "load",
		"unload":                    "unload",
		"error":                     "error",
		"":                          "stop",
		"some-future-reason":        "stop",
	}
	for in, want := range tests {
		assert.Equal(t, want, doneReasonFromUpstream(in), "reason %q", in)
	}
}

func TestChatResponseFromUpstream(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "Hello"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 3, CompletionTokens: 1},
	}
	timings := requestTimings{Start: time.Now().Add(-50 * time.Millisecond)}

	out, err := chatResponseFromUpstream("llama3.1:8b", resp, timings)
	require.NoError(t, err)

	assert.Equal(t, "llama3.1:8b", out.Model, "client-facing name, not the resolved id")
	assert.True(t, out.Done)
	assert.Equal(t, "stop", out.DoneReason)
	assert.Equal(t, "Hello", out.Message.Content)
	assert.Equal(t, "assistant", out.Message.Role)
	assert.Equal(t, 3, out.PromptEvalCount)
	assert.Equal(t, 1, out.EvalCount)
	assert.Positive(t, out.PromptEvalCount+out.EvalCount)
	assert.GreaterOrEqual(t, out.TotalDuration, int64(50*time.Millisecond))
	assert.GreaterOrEqual(t, out.LoadDuration, int64(0))
	assert.GreaterOrEqual(t, out.PromptEvalDuration, int64(0))
	assert.GreaterOrEqual(t, out.EvalDuration, int64(0))

	_, err = time.Parse(time.RFC3339Nano, out.CreatedAt)
	assert.NoError(t, err)
}

func TestChatResponseNoChoices(t *testing.T) {
	_, err := chatResponseFromUpstream("m", &openai.ChatCompletionResponse{}, requestTimings{})
	require.Error(t, err)
	assert.Equal(t, ErrUpstreamProtocolError, asProxyError(err).Kind)
}

func TestChatResponseToolCalls(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "get_weather",
						Arguments: `{"city":"Berlin"}`,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}

	out, err := chatResponseFromUpstream("m", resp, requestTimings{Start: time.Now()})
	require.NoError(t, err)
	require.Len(t, out.Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", out.Message.ToolCalls[0].Function.Name)
	assert.Equal(t, "Berlin", out.Message.ToolCalls[0].Function.Arguments["city"])
}

func TestEvalCountFallbackWhenUsageMissing(t *testing.T) {
	resp := &openai.CompletionResponse{
		Choices: []openai.CompletionChoice{{Text: "Hello", FinishReason: "stop"}},
	}
	out, err := generateResponseFromCompletion("m", resp, requestTimings{Start: time.Now()})
	require.NoError(t, err)
	assert.Positive(t, out.PromptEvalCount+out.EvalCount)
}

func TestTagsMergesAliasesAndCatalog(t *testing.T) {
	catalog := []LMModel{
		{ID: "llama-3.1-8b-instruct", State: "loaded", SizeBytes: 4_900_000_000, Quantization: "Q4_K_M"},
		{ID: "qwen2.5-7b-instruct", State: "not-loaded"},
	}
	aliases := []VirtualAlias{
		{Name: "mycopy", Target: "llama-3.1-8b-instruct", CreatedAt: time.Now()},
	}

	tags := tagsFromCatalog(catalog, aliases)

	names := make(map[string]ModelTagEntry)
	for _, m := range tags.Models {
		names[m.Name] = m
	}
	require.Contains(t, names, "llama-3.1-8b-instruct")
	require.Contains(t, names, "qwen2.5-7b-instruct")
	require.Contains(t, names, "mycopy")

	// the alias inherits its target's size and carries a stable digest
	assert.Equal(t, int64(4_900_000_000), names["mycopy"].Size)
	assert.Equal(t, syntheticDigest("mycopy"), names["mycopy"].Digest)
	assert.Equal(t, "llama-3.1-8b-instruct", names["mycopy"].Details.ParentModel)
	assert.NotEmpty(t, names["llama-3.1-8b-instruct"].Digest)
}

func TestTagsAliasShadowsCatalogEntry(t *testing.T) {
	catalog := []LMModel{{ID: "shared-name", State: "loaded"}}
	aliases := []VirtualAlias{{Name: "shared-name", Target: "elsewhere", CreatedAt: time.Now()}}

	tags := tagsFromCatalog(catalog, aliases)
	require.Len(t, tags.Models, 1)
	assert.Equal(t, "elsewhere", tags.Models[0].Details.ParentModel)
}

func TestPsListsLoadedModelsAndAliases(t *testing.T) {
	catalog := []LMModel{
		{ID: "loaded-model", State: "loaded"},
		{ID: "cold-model", State: "not-loaded"},
	}
	aliases := []VirtualAlias{
		{Name: "hot-alias", Target: "loaded-model", CreatedAt: time.Now()},
		{Name: "cold-alias", Target: "cold-model", CreatedAt: time.Now()},
	}

	ps := psFromCatalog(catalog, aliases)

	var names []string
	for _, m := range ps.Models {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"loaded-model", "hot-alias"}, names)
}

func TestShowMergesAliasMetadata(t *testing.T) {
	catalog := []LMModel{{
		ID:               "llama-3.1-8b-instruct",
		Arch:             "llama",
		Quantization:     "Q4_K_M",
		MaxContextLength: 131072,
		State:            "loaded",
	}}
	alias := VirtualAlias{
		Name:       "mycopy",
		Target:     "llama-3.1-8b-instruct",
		System:     "Be terse.",
		Template:   "{{ .Prompt }}",
		License:    "MIT",
		Parameters: map[string]any{"temperature": 0.2},
		Adapters:   []string{"lora-1"},
		Messages:   []OllamaMessage{{Role: "user", Content: "hi"}},
		CreatedAt:  time.Now(),
	}

	resp := showResponseFor("mycopy", alias, true, catalog)

	assert.Equal(t, "Be terse.", resp.System)
	assert.Equal(t, "{{ .Prompt }}", resp.Template)
	assert.Equal(t, "MIT", resp.License)
	assert.Contains(t, resp.Parameters, "temperature")
	assert.Len(t, resp.Messages, 1)
	assert.Equal(t, "llama-3.1-8b-instruct", resp.Details.ParentModel)
	assert.Equal(t, "Q4_K_M", resp.Details.QuantizationLevel)
	assert.Equal(t, 131072, resp.ModelInfo["llama.context_length"])

	// the modelfile is synthesized from the alias fields
	assert.Contains(t, resp.Modelfile, "FROM llama-3.1-8b-instruct")
	assert.Contains(t, resp.Modelfile, "SYSTEM \"\"\"Be terse.\"\"\"")
	assert.Contains(t, resp.Modelfile, "PARAMETER temperature 0.2")
	assert.Contains(t, resp.Modelfile, "ADAPTER lora-1")
}

func TestShowPlainModel(t *testing.T) {
	catalog := []LMModel{{ID: "qwen2.5-7b-instruct", Arch: "qwen2", State: "loaded", Type: "llm"}}

	resp := showResponseFor("qwen2.5-7b-instruct", VirtualAlias{}, false, catalog)

	assert.Empty(t, resp.Modelfile)
	assert.Empty(t, resp.System)
	assert.Equal(t, []string{"completion"}, resp.Capabilities)
	assert.Equal(t, "qwen2", resp.ModelInfo["general.architecture"])
}

func TestSyntheticDigestIsStable(t *testing.T) {
	assert.Equal(t, syntheticDigest("x"), syntheticDigest("x"))
	assert.NotEqual(t, syntheticDigest("x"), syntheticDigest("y"))
	assert.Len(t, syntheticDigest("x"), 64)
}
