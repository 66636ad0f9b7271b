package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uwuclxdy/ollama-lmstudio-proxy/proxy"
)

var buildVersion = "dev"

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		printVersion()
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	pm, err := proxy.New(proxy.Config{
		LMStudioURL:                 cfg.LMStudioURL,
		LogLevel:                    cfg.LogLevel,
		LoadTimeoutSeconds:          cfg.LoadTimeoutSeconds,
		ModelResolutionCacheTTLSecs: cfg.ModelResolutionCacheTTLSecs,
		MaxBufferSize:               cfg.MaxBufferSize,
		EnableChunkRecovery:         cfg.EnableChunkRecovery,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize proxy: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: pm.Handler(),
	}

	exitChan := make(chan error, 1)
	go func() {
		pm.Logger().Infof("listening on %s, forwarding to %s", cfg.Listen, cfg.LMStudioURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			exitChan <- err
			return
		}
		exitChan <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-exitChan:
		return err
	case sig := <-sigChan:
		pm.Logger().Infof("received signal %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pm.Shutdown()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return <-exitChan
}
