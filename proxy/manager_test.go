package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// fakeLMStudio is an httptest double speaking both LM Studio dialects.
type fakeLMStudio struct {
	mu     sync.Mutex
	models []LMModel

	chatCalls  atomic.Int32
	loadCalls  atomic.Int32
	lastChat   []byte
	chatStatus int
	chatBody   string

	downloadJobID    string
	downloadStatuses []LMDownloadStatus
	downloadIdx      atomic.Int32

	server *httptest.Server
}

func newFakeLMStudio(t *testing.T, models ...LMModel) *fakeLMStudio {
	t.Helper()
	f := &fakeLMStudio{models: models, downloadJobID: "job-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/models", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(LMModelsResponse{Data: f.models})
	})
	mux.HandleFunc("/api/v0/models/load", func(w http.ResponseWriter, r *http.Request) {
		f.loadCalls.Add(1)
		var req LMLoadRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		for i := range f.models {
			if f.models[i].ID == req.Model {
				f.models[i].State = "loaded"
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v0/downloads", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		jobID := f.downloadJobID
		f.mu.Unlock()
		json.NewEncoder(w).Encode(LMDownloadInitiateResponse{JobID: jobID})
	})
	mux.HandleFunc("/api/v0/downloads/", func(w http.ResponseWriter, r *http.Request) {
		idx := int(f.downloadIdx.Add(1)) - 1
		if idx >= len(f.downloadStatuses) {
			idx = len(f.downloadStatuses) - 1
		}
		json.NewEncoder(w).Encode(f.downloadStatuses[idx])
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastChat = body
		status, response := f.chatStatus, f.chatBody
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			io.WriteString(w, response)
			// a single failure, then recover
			f.mu.Lock()
			f.chatStatus, f.chatBody = 0, ""
			f.mu.Unlock()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id":"cmpl-1","object":"chat.completion","created":1730000000,
			"model":"`+gjson.GetBytes(body, "model").String()+`",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
		}`)
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "stream").Bool() {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, chunk := range []string{
				`{"choices":[{"text":"He","finish_reason":null}]}`,
				`{"choices":[{"text":"llo","finish_reason":null}]}`,
				`{"choices":[{"text":"","finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":2}}`,
			} {
				fmt.Fprintf(w, "data: %s\n\n", chunk)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id":"cmpl-2","object":"text_completion","created":1730000000,
			"choices":[{"index":0,"text":"Hello","finish_reason":"stop"}],
			"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}
		}`)
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		input := gjson.GetBytes(body, "input").String()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[%d,1,2]}]}`, len(input))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeLMStudio) failNextChat(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatStatus, f.chatBody = status, body
}

func (f *fakeLMStudio) lastChatBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastChat
}

func newTestProxy(t *testing.T, upstream *fakeLMStudio) *ProxyManager {
	t.Helper()
	pm, err := New(Config{
		LMStudioURL:                 upstream.server.URL,
		CacheDir:                    t.TempDir(),
		LogLevel:                    "error",
		LoadTimeoutSeconds:          5,
		ModelResolutionCacheTTLSecs: 300,
		MaxBufferSize:               262144,
	})
	require.NoError(t, err)
	t.Cleanup(pm.Shutdown)
	// fast polls keep the download tests quick
	pm.download.pollInterval = 5 * time.Millisecond
	return pm
}

func doJSON(t *testing.T, pm *ProxyManager, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	pm.Handler().ServeHTTP(w, req)
	return w
}

func TestChatNonStreamingEndToEnd(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "llama-3.1-8b-instruct", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/chat",
		`{"model":"llama3.1:8b","messages":[{"role":"user","content":"Hi"}],"stream":false}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.Bytes()
	assert.Equal(t, "llama3.1:8b", gjson.GetBytes(body, "model").String())
	assert.True(t, gjson.GetBytes(body, "done").Bool())
	assert.Equal(t, "stop", gjson.GetBytes(body, "done_reason").String())
	assert.Equal(t, "Hello", gjson.GetBytes(body, "message.content").String())
	assert.Equal(t, "assistant", gjson.GetBytes(body, "message.role").String())
	assert.Equal(t, int64(3), gjson.GetBytes(body, "prompt_eval_count").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(body, "eval_count").Int())
	assert.GreaterOrEqual(t, gjson.GetBytes(body, "total_duration").Int(), int64(0))

	// the fuzzy name resolved to the real catalog id upstream
	assert.Equal(t, "llama-3.1-8b-instruct", gjson.GetBytes(upstream.lastChatBody(), "model").String())
}

func TestGenerateStreamingEndToEnd(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "llama-3.1-8b-instruct", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/generate",
		`{"model":"llama3.1:8b","prompt":"Hi","stream":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/x-ndjson")

	var lines []gjson.Result
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		lines = append(lines, gjson.Parse(scanner.Text()))
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "He", lines[0].Get("response").String())
	assert.Equal(t, "llo", lines[1].Get("response").String())
	assert.True(t, lines[2].Get("done").Bool())
	assert.Equal(t, "stop", lines[2].Get("done_reason").String())
	assert.Equal(t, int64(2), lines[2].Get("prompt_eval_count").Int())
}

func TestJITLoadRecovery(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "cold-model", State: "not-loaded"})
	pm := newTestProxy(t, upstream)

	upstream.failNextChat(http.StatusBadRequest,
		`{"error":{"message":"Model \"cold-model\" is not loaded. Please load it first.","code":"model_not_loaded"}}`)

	w := doJSON(t, pm, "POST", "/api/chat",
		`{"model":"cold-model","messages":[{"role":"user","content":"Hi"}],"stream":false}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Hello", gjson.GetBytes(w.Body.Bytes(), "message.content").String())
	assert.Equal(t, int32(1), upstream.loadCalls.Load(), "exactly one load hint")
	assert.Equal(t, int32(2), upstream.chatCalls.Load(), "exactly one retry")

	// a second call in the same window needs no further load hint
	w = doJSON(t, pm, "POST", "/api/chat",
		`{"model":"cold-model","messages":[{"role":"user","content":"Hi"}],"stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), upstream.loadCalls.Load())
}

func TestAliasCarriesSystemPrompt(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "llama-3.1-8b-instruct", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/create",
		`{"name":"mycopy","from":"llama3.1:8b","system":"Be terse.","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, pm, "POST", "/api/chat",
		`{"model":"mycopy","messages":[{"role":"user","content":"Hi"}],"stream":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sent := upstream.lastChatBody()
	assert.Equal(t, "llama-3.1-8b-instruct", gjson.GetBytes(sent, "model").String())
	assert.Equal(t, "system", gjson.GetBytes(sent, "messages.0.role").String())
	assert.Equal(t, "Be terse.", gjson.GetBytes(sent, "messages.0.content").String())

	// the response carries the alias name, not the resolved id
	assert.Equal(t, "mycopy", gjson.GetBytes(w.Body.Bytes(), "model").String())
}

func TestAliasLifecycleAcrossEndpoints(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "llama-3.1-8b-instruct", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/create",
		`{"name":"mycopy","from":"llama-3.1-8b-instruct","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, pm, "GET", "/api/tags", "")
	require.Equal(t, http.StatusOK, w.Code)
	tags := w.Body.String()
	assert.Contains(t, tags, `"mycopy"`)
	assert.Contains(t, tags, `"llama-3.1-8b-instruct"`)

	w = doJSON(t, pm, "GET", "/api/ps", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mycopy"`, "alias of a loaded model shows in ps")

	w = doJSON(t, pm, "POST", "/api/show", `{"name":"mycopy"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "FROM llama-3.1-8b-instruct")

	w = doJSON(t, pm, "POST", "/api/delete", `{"name":"mycopy"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, pm, "GET", "/api/tags", "")
	assert.NotContains(t, w.Body.String(), `"mycopy"`)

	// deleting a real upstream model is refused
	w = doJSON(t, pm, "POST", "/api/delete", `{"name":"llama-3.1-8b-instruct"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// and the catalog is untouched
	w = doJSON(t, pm, "GET", "/api/tags", "")
	assert.Contains(t, w.Body.String(), `"llama-3.1-8b-instruct"`)
}

func TestCreateShowRoundTrip(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "llama-3.1-8b-instruct", Arch: "llama", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/create",
		`{"name":"mirror","from":"llama-3.1-8b-instruct","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	orig := doJSON(t, pm, "POST", "/api/show", `{"name":"llama-3.1-8b-instruct"}`)
	mirrored := doJSON(t, pm, "POST", "/api/show", `{"name":"mirror"}`)
	require.Equal(t, http.StatusOK, orig.Code)
	require.Equal(t, http.StatusOK, mirrored.Code)

	// identical modulo alias-added fields
	assert.Equal(t,
		gjson.GetBytes(orig.Body.Bytes(), "model_info").Raw,
		gjson.GetBytes(mirrored.Body.Bytes(), "model_info").Raw)
	assert.Equal(t,
		gjson.GetBytes(orig.Body.Bytes(), "details.family").String(),
		gjson.GetBytes(mirrored.Body.Bytes(), "details.family").String())
}

func TestEmbedPreservesInputOrder(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "embedder", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/embed", `{"model":"embedder","input":["a","bbb"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := w.Body.Bytes()
	require.Equal(t, int64(2), gjson.GetBytes(body, "embeddings.#").Int())
	// the fake encodes input length as the first vector element
	assert.Equal(t, int64(1), gjson.GetBytes(body, "embeddings.0.0").Int())
	assert.Equal(t, int64(3), gjson.GetBytes(body, "embeddings.1.0").Int())

	w = doJSON(t, pm, "POST", "/api/embeddings", `{"model":"embedder","prompt":"xx"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.GetBytes(w.Body.Bytes(), "embedding.0").Int())
}

func TestPullStreamsProgress(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "anything", State: "loaded"})
	upstream.downloadStatuses = []LMDownloadStatus{
		{JobID: "job-1", Status: "downloading", BytesDownloaded: 100, BytesTotal: 1000, Digest: "sha256:abc"},
		{JobID: "job-1", Status: "downloading", BytesDownloaded: 900, BytesTotal: 1000, Digest: "sha256:abc"},
		{JobID: "job-1", Status: "completed"},
	}
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/pull", `{"name":"openai/gpt-oss-20b","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	var lines []gjson.Result
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		lines = append(lines, gjson.Parse(scanner.Text()))
	}
	require.GreaterOrEqual(t, len(lines), 3)

	var sawDownloading bool
	for _, line := range lines {
		if strings.HasPrefix(line.Get("status").String(), "downloading") {
			sawDownloading = true
			assert.Equal(t, int64(1000), line.Get("total").Int())
			assert.Positive(t, line.Get("completed").Int())
		}
	}
	assert.True(t, sawDownloading)
	assert.Equal(t, "success", lines[len(lines)-1].Get("status").String())
}

func TestPullBuffered(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "anything", State: "loaded"})
	upstream.downloadStatuses = []LMDownloadStatus{{JobID: "job-1", Status: "completed"}}
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/pull", `{"name":"openai/gpt-oss-20b","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", gjson.GetBytes(w.Body.Bytes(), "status").String())
}

func TestPullMissingJobIDIsProtocolError(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "anything", State: "loaded"})
	upstream.downloadJobID = ""
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/pull", `{"name":"openai/gpt-oss-20b","stream":false}`)
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	assert.Contains(t, gjson.GetBytes(w.Body.Bytes(), "error").String(), "no job id")

	// a streaming client gets a terminal error frame instead of a
	// silently empty stream
	w = doJSON(t, pm, "POST", "/api/pull", `{"name":"openai/gpt-oss-20b","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	var lines []gjson.Result
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		lines = append(lines, gjson.Parse(scanner.Text()))
	}
	require.NotEmpty(t, lines)
	final := lines[len(lines)-1]
	assert.Equal(t, "error", final.Get("status").String())
	assert.Contains(t, final.Get("error").String(), "no job id")
}

func TestBlobRoundTrip(t *testing.T) {
	upstream := newFakeLMStudio(t)
	pm := newTestProxy(t, upstream)

	content := []byte("some layer bytes")
	digest := fmt.Sprintf("sha256:%x", sha256.Sum256(content))

	w := doJSON(t, pm, "HEAD", "/api/blobs/"+digest, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest("POST", "/api/blobs/"+digest, bytes.NewReader(content))
	w = httptest.NewRecorder()
	pm.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, pm, "HEAD", "/api/blobs/"+digest, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// a digest that doesn't match its bytes is refused
	req = httptest.NewRequest("POST", "/api/blobs/sha256:"+strings.Repeat("0", 64), bytes.NewReader(content))
	w = httptest.NewRecorder()
	pm.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPushValidatesAndAcks(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "real-model", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/push", `{"name":"real-model","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", gjson.GetBytes(w.Body.Bytes(), "status").String())

	w = doJSON(t, pm, "POST", "/api/push", `{"name":"no-such-model","stream":false}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVersionAndHealthAndHeartbeat(t *testing.T) {
	upstream := newFakeLMStudio(t)
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ProxyVersion, gjson.GetBytes(w.Body.Bytes(), "version").String())

	w = doJSON(t, pm, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, pm, "GET", "/", "")
	assert.Equal(t, "Ollama is running", w.Body.String())
}

func TestHealthReportsUpstreamDown(t *testing.T) {
	upstream := newFakeLMStudio(t)
	pm := newTestProxy(t, upstream)
	upstream.server.Close()

	w := doJSON(t, pm, "GET", "/health", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMissingModelIsInvalidRequest(t *testing.T) {
	upstream := newFakeLMStudio(t)
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/chat", `{"messages":[{"role":"user","content":"Hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, pm, "POST", "/api/chat", `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownModelIs404(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "only-model", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/api/chat",
		`{"model":"definitely-not-here","messages":[{"role":"user","content":"Hi"}]}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPassthroughRewritesModelBothWays(t *testing.T) {
	upstream := newFakeLMStudio(t, LMModel{ID: "llama-3.1-8b-instruct", State: "loaded"})
	pm := newTestProxy(t, upstream)

	w := doJSON(t, pm, "POST", "/v1/chat/completions",
		`{"model":"llama3.1:8b","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// upstream saw the resolved id, the client sees its own name back
	assert.Equal(t, "llama-3.1-8b-instruct", gjson.GetBytes(upstream.lastChatBody(), "model").String())
	assert.Equal(t, "llama3.1:8b", gjson.GetBytes(w.Body.Bytes(), "model").String())
}

func TestStreamingCancellationAbortsUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LMModelsResponse{Data: []LMModel{{ID: "m", State: "loaded"}}})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				close(upstreamGone)
				return
			case <-time.After(5 * time.Millisecond):
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok%d\"},\"finish_reason\":null}]}\n\n", i)
			flusher.Flush()
		}
	})
	lms := httptest.NewServer(mux)
	defer lms.Close()

	pm, err := New(Config{
		LMStudioURL:                 lms.URL,
		CacheDir:                    t.TempDir(),
		LogLevel:                    "error",
		LoadTimeoutSeconds:          5,
		ModelResolutionCacheTTLSecs: 300,
		MaxBufferSize:               262144,
	})
	require.NoError(t, err)
	defer pm.Shutdown()

	// the proxy needs a real server here so closing the client
	// connection propagates into the request context
	srv := httptest.NewServer(pm.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "POST", srv.URL+"/api/chat",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"Hi"}],"stream":true}`))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for i := 0; i < 2; i++ {
		_, err := reader.ReadString('\n')
		require.NoError(t, err)
	}
	cancel()

	select {
	case <-upstreamGone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not aborted after client cancellation")
	}
}
