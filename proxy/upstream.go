package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// UpstreamClient talks to the running LM Studio server, in both its
// native /api/v0/* dialect and its OpenAI-compatible /v1/* dialect. It
// carries no retry/backoff of its own — that belongs to the JIT hinter
// and download controller, which call it in a loop.
type UpstreamClient struct {
	baseURL *url.URL
	client  *http.Client
}

func NewUpstreamClient(baseURL string) (*UpstreamClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid lmstudio_url %q: %w", baseURL, err)
	}
	return &UpstreamClient{
		baseURL: u,
		// No blanket Timeout: streaming chat/generate calls can run far
		// longer than any sane fixed timeout. Callers cancel via ctx.
		client: &http.Client{},
	}, nil
}

func (u *UpstreamClient) url(path string) string {
	return strings.TrimRight(u.baseURL.String(), "/") + path
}

func (u *UpstreamClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return newError(ErrInvalidRequest, "failed to encode upstream request", err)
		}
	}
	return u.doRaw(ctx, method, path, raw, out)
}

func (u *UpstreamClient) doRaw(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.url(path), reader)
	if err != nil {
		return newError(ErrUpstreamUnavailable, "failed to build upstream request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return newError(ErrCancelled, "request cancelled", err)
		}
		return newError(ErrUpstreamUnavailable, "lmstudio unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newError(ErrUpstreamProtocolError, "failed to read upstream response", err)
	}

	if resp.StatusCode >= 400 {
		return classifyUpstreamError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return newError(ErrUpstreamProtocolError, "malformed upstream response", err)
		}
	}
	return nil
}

// classifyUpstreamError inspects an upstream 4xx/5xx JSON error body for
// the "model not loaded" condition the JIT hinter recovers from. LM
// Studio has no stable error code for it, so this matches the message
// text it is known to emit.
func classifyUpstreamError(status int, body []byte) *ProxyError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	msg := strings.ToLower(envelope.Error.Message + " " + envelope.Error.Code)
	if strings.Contains(msg, "not loaded") || strings.Contains(msg, "model_not_found") || strings.Contains(msg, "not found") {
		if status == http.StatusNotFound {
			return newError(ErrModelNotFound, string(body), nil)
		}
		return newError(ErrModelNotLoaded, string(body), nil)
	}
	if status >= 500 {
		return newError(ErrUpstreamUnavailable, string(body), nil)
	}
	return newError(ErrUpstreamProtocolError, string(body), nil)
}

// ListCatalog returns LM Studio's full catalog with load state, via the
// native dialect — the only endpoint that reports loaded/not-loaded,
// which the resolver's tie-break and the JIT hinter both need.
func (u *UpstreamClient) ListCatalog(ctx context.Context) ([]LMModel, error) {
	var out LMModelsResponse
	if err := u.doJSON(ctx, http.MethodGet, "/api/v0/models", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// LoadModel issues a load hint; it does not itself wait for completion.
func (u *UpstreamClient) LoadModel(ctx context.Context, modelID string) error {
	return u.doJSON(ctx, http.MethodPost, "/api/v0/models/load", LMLoadRequest{Model: modelID}, nil)
}

func (u *UpstreamClient) InitiateDownload(ctx context.Context, req LMDownloadInitiateRequest) (*LMDownloadInitiateResponse, error) {
	var out LMDownloadInitiateResponse
	if err := u.doJSON(ctx, http.MethodPost, "/api/v0/downloads", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *UpstreamClient) DownloadStatus(ctx context.Context, jobID string) (*LMDownloadStatus, error) {
	var out LMDownloadStatus
	if err := u.doJSON(ctx, http.MethodGet, "/api/v0/downloads/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatCompletion performs a non-streaming /v1/chat/completions call with
// an already-translated request body.
func (u *UpstreamClient) ChatCompletion(ctx context.Context, body []byte) (*openai.ChatCompletionResponse, error) {
	var out openai.ChatCompletionResponse
	if err := u.doRaw(ctx, http.MethodPost, "/v1/chat/completions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Completion performs a non-streaming /v1/completions call, used for the
// Ollama /api/generate mapping.
func (u *UpstreamClient) Completion(ctx context.Context, body []byte) (*openai.CompletionResponse, error) {
	var out openai.CompletionResponse
	if err := u.doRaw(ctx, http.MethodPost, "/v1/completions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *UpstreamClient) Embeddings(ctx context.Context, req openai.EmbeddingRequest) (*openai.EmbeddingResponse, error) {
	var out openai.EmbeddingResponse
	if err := u.doJSON(ctx, http.MethodPost, "/v1/embeddings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// streamSSE opens a streaming POST and returns the raw response for the
// streaming engine to consume; the caller owns closing resp.Body.
func (u *UpstreamClient) streamSSE(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, newError(ErrUpstreamUnavailable, "failed to build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(ErrCancelled, "request cancelled", err)
		}
		return nil, newError(ErrUpstreamUnavailable, "lmstudio unreachable", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyUpstreamError(resp.StatusCode, respBody)
	}

	return resp, nil
}

func (u *UpstreamClient) ChatCompletionStream(ctx context.Context, body []byte) (*http.Response, error) {
	return u.streamSSE(ctx, "/v1/chat/completions", body)
}

func (u *UpstreamClient) CompletionStream(ctx context.Context, body []byte) (*http.Response, error) {
	return u.streamSSE(ctx, "/v1/completions", body)
}

func (u *UpstreamClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url("/health"), nil)
	if err != nil {
		return newError(ErrUpstreamUnavailable, "failed to build health request", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return newError(ErrUpstreamUnavailable, "lmstudio unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return newError(ErrUpstreamUnavailable, fmt.Sprintf("lmstudio health check returned %d", resp.StatusCode), nil)
	}
	return nil
}

// passthroughProxy builds a reverse proxy for the /v1/* passthrough
// surface, forwarding Authorization as-is and disabling intermediary SSE
// buffering.
func (u *UpstreamClient) passthroughProxy() *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(u.baseURL)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = u.baseURL.Host
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			resp.Header.Set("X-Accel-Buffering", "no")
		}
		return nil
	}
	proxy.FlushInterval = 100 * time.Millisecond
	return proxy
}
