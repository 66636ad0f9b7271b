package proxy

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProxyVersion is what GET /api/version reports. Ollama clients only use
// it for display and capability sniffing, so any recent-looking value
// keeps them happy.
const ProxyVersion = "0.6.2"

// Config carries everything the proxy needs to run. It is populated from
// the CLI flags in main.go; CacheDir is left empty there and overridden
// only by tests.
type Config struct {
	LMStudioURL                 string
	CacheDir                    string
	LogLevel                    string
	LoadTimeoutSeconds          int
	ModelResolutionCacheTTLSecs int
	MaxBufferSize               int
	EnableChunkRecovery         bool
}

type ProxyManager struct {
	config    Config
	ginEngine *gin.Engine

	proxyLogger    *LogMonitor
	upstreamLogger *LogMonitor

	upstream *UpstreamClient
	aliases  *AliasStore
	resolver *ModelResolver
	hinter   *JITHinter
	download *DownloadController
	blobs    *BlobStore
	engine   *StreamEngine

	shutdownSignal context.Context
	shutdownCancel context.CancelFunc
}

func New(config Config) (*ProxyManager, error) {
	proxyLogger := NewLogMonitor()
	upstreamLogger := NewLogMonitorWriter(os.Stdout)
	upstreamLogger.SetPrefix("lmstudio")

	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	proxyLogger.SetLogLevel(level)
	upstreamLogger.SetLogLevel(level)

	upstream, err := NewUpstreamClient(config.LMStudioURL)
	if err != nil {
		return nil, err
	}

	aliases, err := NewAliasStore(config.CacheDir)
	if err != nil {
		return nil, err
	}

	blobs, err := NewBlobStore(config.CacheDir)
	if err != nil {
		return nil, err
	}

	resolver := NewModelResolver(upstream, aliases,
		time.Duration(config.ModelResolutionCacheTTLSecs)*time.Second)

	shutdownSignal, shutdownCancel := context.WithCancel(context.Background())

	pm := &ProxyManager{
		config:    config,
		ginEngine: gin.New(),

		proxyLogger:    proxyLogger,
		upstreamLogger: upstreamLogger,

		upstream: upstream,
		aliases:  aliases,
		resolver: resolver,
		hinter:   NewJITHinter(upstream, time.Duration(config.LoadTimeoutSeconds)*time.Second),
		download: NewDownloadController(upstream),
		blobs:    blobs,
		engine: &StreamEngine{
			MaxBufferSize: config.MaxBufferSize,
			ChunkRecovery: config.EnableChunkRecovery,
			Logger:        upstreamLogger,
		},

		shutdownSignal: shutdownSignal,
		shutdownCancel: shutdownCancel,
	}

	pm.setupGinEngine()
	return pm, nil
}

func (pm *ProxyManager) setupGinEngine() {
	pm.ginEngine.Use(func(c *gin.Context) {
		start := time.Now()

		clientIP := c.ClientIP()
		method := c.Request.Method
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()
		bodySize := c.Writer.Size()

		pm.proxyLogger.Infof("Request %s \"%s %s %s\" %d %d \"%s\" %v",
			clientIP,
			method,
			path,
			c.Request.Proto,
			statusCode,
			bodySize,
			c.Request.UserAgent(),
			duration,
		)
	})

	// respond with permissive OPTIONS for any endpoint; Ollama clients
	// embedded in editor webviews preflight everything
	pm.ginEngine.Use(func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")

			if headers := c.Request.Header.Get("Access-Control-Request-Headers"); headers != "" {
				sanitized := SanitizeAccessControlRequestHeaderValues(headers)
				c.Header("Access-Control-Allow-Headers", sanitized)
			} else {
				c.Header(
					"Access-Control-Allow-Headers",
					"Content-Type, Authorization, Accept, X-Requested-With",
				)
			}
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	pm.ginEngine.GET("/", pm.heartbeatHandler)
	pm.ginEngine.HEAD("/", pm.heartbeatHandler)
	pm.ginEngine.GET("/health", pm.healthHandler)
	pm.ginEngine.GET("/api/version", pm.versionHandler)

	pm.ginEngine.GET("/api/tags", pm.listTagsHandler)
	pm.ginEngine.GET("/api/ps", pm.psHandler)
	pm.ginEngine.POST("/api/show", pm.showHandler)

	pm.ginEngine.POST("/api/chat", pm.chatHandler)
	pm.ginEngine.POST("/api/generate", pm.generateHandler)
	pm.ginEngine.POST("/api/embed", pm.embedHandler)
	pm.ginEngine.POST("/api/embeddings", pm.embeddingsHandler)

	pm.ginEngine.POST("/api/create", pm.createHandler)
	pm.ginEngine.POST("/api/copy", pm.copyHandler)
	pm.ginEngine.POST("/api/delete", pm.deleteHandler)
	pm.ginEngine.DELETE("/api/delete", pm.deleteHandler)

	pm.ginEngine.POST("/api/pull", pm.pullHandler)
	pm.ginEngine.POST("/api/push", pm.pushHandler)

	pm.ginEngine.HEAD("/api/blobs/:digest", pm.blobHeadHandler)
	pm.ginEngine.POST("/api/blobs/:digest", pm.blobPostHandler)

	pm.ginEngine.POST("/v1/*upstreamPath", pm.passthroughHandler)
	pm.ginEngine.GET("/v1/*upstreamPath", pm.passthroughHandler)

	gin.DisableConsoleColor()
}

// Handler exposes the gin engine so main.go can hang it off its own
// http.Server.
func (pm *ProxyManager) Handler() http.Handler {
	return pm.ginEngine
}

func (pm *ProxyManager) Logger() *LogMonitor {
	return pm.proxyLogger
}

func (pm *ProxyManager) Shutdown() {
	pm.proxyLogger.Debug("Shutdown() called in proxy manager")
	pm.shutdownCancel()
}

// sendError renders a ProxyError in the Ollama error dialect. Every
// handler funnels failures through here so the status mapping lives in
// one place.
func (pm *ProxyManager) sendError(c *gin.Context, err error) {
	pe := asProxyError(err)
	if pe.Kind == ErrCancelled {
		// client is gone, nothing left to write
		c.Abort()
		return
	}
	c.JSON(statusFor(pe.Kind), gin.H{"error": pe.Message})
}

func (pm *ProxyManager) heartbeatHandler(c *gin.Context) {
	c.String(http.StatusOK, "Ollama is running") // Ollama clients probe for this string
}

func (pm *ProxyManager) healthHandler(c *gin.Context) {
	start := time.Now()
	if err := pm.upstream.Health(c.Request.Context()); err != nil {
		pm.sendError(c, err)
		return
	}
	pm.proxyLogger.Debugf("upstream health round-trip %v", time.Since(start))
	c.String(http.StatusOK, "OK")
}

func (pm *ProxyManager) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, VersionResponse{Version: ProxyVersion})
}

// passthroughHandler forwards /v1/* to LM Studio's OpenAI-compatible
// surface with at most a model-name substitution in each direction. The
// Authorization header travels as-is.
func (pm *ProxyManager) passthroughHandler(c *gin.Context) {
	requestID := uuid.NewString()[:8]

	if c.Request.Method != http.MethodPost {
		pm.upstream.passthroughProxy().ServeHTTP(c.Writer, c.Request)
		return
	}

	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		pm.sendError(c, invalidRequestf("could not read request body"))
		return
	}

	var requestedModel string
	if model := gjson.GetBytes(bodyBytes, "model"); model.Exists() && model.String() != "" {
		requestedModel = model.String()
		resolved, err := pm.resolver.Resolve(c.Request.Context(), requestedModel)
		if err != nil {
			pm.sendError(c, err)
			return
		}
		if resolved != requestedModel {
			bodyBytes, err = sjson.SetBytes(bodyBytes, "model", resolved)
			if err != nil {
				pm.sendError(c, newError(ErrInvalidRequest, "could not rewrite model name", err))
				return
			}
			pm.proxyLogger.Debugf("[%s] passthrough %s: %s -> %s",
				requestID, c.Param("upstreamPath"), requestedModel, resolved)
		}
	}

	c.Request.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
	c.Request.ContentLength = int64(len(bodyBytes))

	if gjson.GetBytes(bodyBytes, "stream").Bool() {
		pm.upstream.passthroughProxy().ServeHTTP(c.Writer, c.Request)
		return
	}

	// Buffered response: capture it so the resolved model id can be
	// swapped back for the name the client asked with.
	recorder := NewResponseRecorder(c.Writer)
	pm.upstream.passthroughProxy().ServeHTTP(recorder, c.Request)

	if requestedModel != "" && gjson.GetBytes(recorder.Body(), "model").Exists() {
		if rewritten, err := sjson.SetBytes(recorder.Body(), "model", requestedModel); err == nil {
			recorder.SetBody(rewritten)
		}
	}
	recorder.WriteToOriginal()
}

// resolveRequest is the shared front half of every inference handler:
// pull the alias (if any) and the concrete upstream identifier for a
// client-supplied name.
func (pm *ProxyManager) resolveRequest(ctx context.Context, modelName string) (VirtualAlias, string, error) {
	if modelName == "" {
		return VirtualAlias{}, "", invalidRequestf("model is required")
	}
	alias, _ := pm.aliases.Get(modelName)
	resolved, err := pm.resolver.Resolve(ctx, modelName)
	if err != nil {
		return VirtualAlias{}, "", err
	}
	return alias, resolved, nil
}

func ndjsonHeaders(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Transfer-Encoding", "chunked")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}
