package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
)

func (pm *ProxyManager) chatHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		pm.sendError(c, invalidRequestf("messages is required"))
		return
	}

	ctx := c.Request.Context()
	alias, resolvedID, err := pm.resolveRequest(ctx, req.Model)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	body, err := buildChatRequestBody(&req, alias, resolvedID, req.wantsStream())
	if err != nil {
		pm.sendError(c, err)
		return
	}

	if req.wantsStream() {
		upstream, err := RecoverAndRetry(ctx, pm.hinter, pm.resolver, req.Model, resolvedID,
			func(ctx context.Context) (*http.Response, error) {
				return pm.upstream.ChatCompletionStream(ctx, body)
			})
		if err != nil {
			pm.sendError(c, err)
			return
		}

		ndjsonHeaders(c)
		if err := pm.engine.Run(ctx, upstream, c.Writer, c.Writer.Flush, streamModeChat, req.Model); err != nil {
			pm.upstreamLogger.Debugf("chat stream for %s ended: %v", req.Model, err)
		}
		return
	}

	timings := requestTimings{Start: time.Now()}
	resp, err := RecoverAndRetry(ctx, pm.hinter, pm.resolver, req.Model, resolvedID,
		func(ctx context.Context) (*openai.ChatCompletionResponse, error) {
			return pm.upstream.ChatCompletion(ctx, body)
		})
	if err != nil {
		pm.sendError(c, err)
		return
	}

	out, err := chatResponseFromUpstream(req.Model, resp, timings)
	if err != nil {
		pm.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (pm *ProxyManager) generateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	ctx := c.Request.Context()
	alias, resolvedID, err := pm.resolveRequest(ctx, req.Model)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	body, viaChat, err := buildGenerateRequestBody(&req, alias, resolvedID, req.wantsStream())
	if err != nil {
		pm.sendError(c, err)
		return
	}

	if req.wantsStream() {
		open := pm.upstream.CompletionStream
		if viaChat {
			open = pm.upstream.ChatCompletionStream
		}
		upstream, err := RecoverAndRetry(ctx, pm.hinter, pm.resolver, req.Model, resolvedID,
			func(ctx context.Context) (*http.Response, error) {
				return open(ctx, body)
			})
		if err != nil {
			pm.sendError(c, err)
			return
		}

		ndjsonHeaders(c)
		if err := pm.engine.Run(ctx, upstream, c.Writer, c.Writer.Flush, streamModeGenerate, req.Model); err != nil {
			pm.upstreamLogger.Debugf("generate stream for %s ended: %v", req.Model, err)
		}
		return
	}

	timings := requestTimings{Start: time.Now()}

	if viaChat {
		resp, err := RecoverAndRetry(ctx, pm.hinter, pm.resolver, req.Model, resolvedID,
			func(ctx context.Context) (*openai.ChatCompletionResponse, error) {
				return pm.upstream.ChatCompletion(ctx, body)
			})
		if err != nil {
			pm.sendError(c, err)
			return
		}
		out, err := generateResponseFromChat(req.Model, resp, timings)
		if err != nil {
			pm.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	resp, err := RecoverAndRetry(ctx, pm.hinter, pm.resolver, req.Model, resolvedID,
		func(ctx context.Context) (*openai.CompletionResponse, error) {
			return pm.upstream.Completion(ctx, body)
		})
	if err != nil {
		pm.sendError(c, err)
		return
	}
	out, err := generateResponseFromCompletion(req.Model, resp, timings)
	if err != nil {
		pm.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// embedForInputs issues one upstream embedding call per input, in order.
func (pm *ProxyManager) embedForInputs(ctx context.Context, requestedName, resolvedID string, inputs []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		req := buildEmbeddingRequest(resolvedID, input)
		resp, err := RecoverAndRetry(ctx, pm.hinter, pm.resolver, requestedName, resolvedID,
			func(ctx context.Context) (*openai.EmbeddingResponse, error) {
				return pm.upstream.Embeddings(ctx, req)
			})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, newError(ErrUpstreamProtocolError, "upstream embedding response was empty", nil)
		}
		embeddings = append(embeddings, resp.Data[0].Embedding)
	}
	return embeddings, nil
}

func (pm *ProxyManager) embedHandler(c *gin.Context) {
	var req EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	inputs, err := embedInputs(req.Input)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	ctx := c.Request.Context()
	_, resolvedID, err := pm.resolveRequest(ctx, req.Model)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	start := time.Now()
	embeddings, err := pm.embedForInputs(ctx, req.Model, resolvedID, inputs)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, EmbedResponse{
		Model:         req.Model,
		Embeddings:    embeddings,
		TotalDuration: time.Since(start).Nanoseconds(),
	})
}

func (pm *ProxyManager) embeddingsHandler(c *gin.Context) {
	var req EmbeddingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}
	if req.Prompt == "" {
		// Ollama returns an empty embedding for an empty prompt
		c.JSON(http.StatusOK, EmbeddingsResponse{Embedding: []float32{}})
		return
	}

	ctx := c.Request.Context()
	_, resolvedID, err := pm.resolveRequest(ctx, req.Model)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	embeddings, err := pm.embedForInputs(ctx, req.Model, resolvedID, []string{req.Prompt})
	if err != nil {
		pm.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, EmbeddingsResponse{Embedding: embeddings[0]})
}
