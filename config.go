package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/uwuclxdy/ollama-lmstudio-proxy/proxy"
)

// Config is the fully-parsed CLI surface. There is no YAML config
// file: LM Studio, not this proxy, owns model lifecycle, so there is
// nothing here to pool or hot-reload.
type Config struct {
	Listen                      string
	LMStudioURL                 string
	LogLevel                    string
	LoadTimeoutSeconds          int
	ModelResolutionCacheTTLSecs int
	MaxBufferSize               int
	EnableChunkRecovery         bool
	ShowVersion                 bool
}

func parseConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("ollama-lmstudio-proxy", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.Listen, "listen", ":11434", "address to listen on, matching Ollama's default port")
	fs.StringVar(&cfg.LMStudioURL, "lmstudio_url", "http://127.0.0.1:1234", "base URL of the running LM Studio server")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn, or error")
	fs.IntVar(&cfg.LoadTimeoutSeconds, "load_timeout_seconds", 15, "how long the JIT load hinter waits for a model to finish loading")
	fs.IntVar(&cfg.ModelResolutionCacheTTLSecs, "model_resolution_cache_ttl_seconds", 300, "TTL of the positive model-resolution cache")
	fs.IntVar(&cfg.MaxBufferSize, "max_buffer_size", 262144, "bound, in bytes, on the streaming reassembly buffer")
	fs.BoolVar(&cfg.EnableChunkRecovery, "enable_chunk_recovery", false, "when the streaming buffer overflows without a frame terminator, salvage the last complete JSON object instead of failing the stream")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.LoadTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("load_timeout_seconds must be positive")
	}
	if cfg.ModelResolutionCacheTTLSecs < 0 {
		return nil, fmt.Errorf("model_resolution_cache_ttl_seconds must not be negative")
	}
	if cfg.MaxBufferSize <= 0 {
		return nil, fmt.Errorf("max_buffer_size must be positive")
	}
	if _, err := proxy.ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	return cfg, nil
}

func printVersion() {
	fmt.Fprintf(os.Stdout, "ollama-lmstudio-proxy %s\n", buildVersion)
}
