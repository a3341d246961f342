// Package main provides the gateway server entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/dispatcher"
	"github.com/antigravity-tools/gateway/internal/logging"
	"github.com/antigravity-tools/gateway/internal/mapper"
	"github.com/antigravity-tools/gateway/internal/oauth"
	"github.com/antigravity-tools/gateway/internal/pool"
	"github.com/antigravity-tools/gateway/internal/ratelimit"
	"github.com/antigravity-tools/gateway/internal/store"
	"github.com/antigravity-tools/gateway/internal/upstream"
	"github.com/antigravity-tools/gateway/pkg/redis"
)

const version = "1.0.0"

func main() {
	var (
		devMode bool
		port    int
		host    string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (verbose logging)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[startup] failed to load config: %v\n", err)
		os.Exit(1)
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if devMode {
		cfg.DevMode = true
		cfg.Debug = true
	}

	log := logging.New(filepath.Join(config.HomeDir(), "logs"))
	log.SetDebug(cfg.DevMode)
	logging.Default = log

	if cfg.DevMode {
		log.Debug("developer mode enabled")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = redis.NewClient(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Warn("[startup] redis unavailable, falling back to in-memory signature cache: %v", err)
			redisClient = nil
		}
	}
	sigCache := mapper.NewSignatureCache(redisClient)

	acctStore := store.New()
	oauthClient := oauth.New(log)
	rateTracker := ratelimit.New()
	tokenPool := pool.New(acctStore, oauthClient, rateTracker, log)

	n, err := tokenPool.LoadAccounts()
	if err != nil {
		log.Error("[startup] failed to load accounts: %v", err)
		os.Exit(1)
	}
	log.Info("[startup] loaded %d account(s)", n)
	if n == 0 {
		log.Warn("[startup] no accounts configured — run the accounts CLI to add one before sending traffic")
	}

	upstreamClient := upstream.New(time.Duration(cfg.RequestTimeoutSeconds) * time.Second)
	d := dispatcher.New(cfg, log, tokenPool, upstreamClient, sigCache)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long timeout for streamed model output
		IdleTimeout:  120 * time.Second,
	}

	printBanner(cfg, version)

	go func() {
		log.Info("[server] listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("[server] failed to start: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[server] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("[server] graceful shutdown failed: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func printBanner(cfg *config.ProxyConfig, version string) {
	fmt.Println()
	fmt.Printf("  Antigravity Gateway v%s\n", version)
	fmt.Printf("  Listening on http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Println("  Routes:")
	fmt.Println("    POST /v1/chat/completions     - OpenAI-compatible chat API")
	fmt.Println("    POST /v1/messages              - Anthropic-compatible Messages API")
	fmt.Println("    POST /v1/messages/count_tokens - stub token counter")
	fmt.Println("    GET  /v1/models                - model list")
	fmt.Println("    GET  /healthz                  - health check")
	fmt.Printf("  Account store: %s\n", config.HomeDir())
	if cfg.APIKey == "" {
		fmt.Println("  API key: none configured — every request is accepted")
	} else {
		fmt.Println("  API key: required (Authorization: Bearer ... or X-API-Key)")
	}
	fmt.Println()
}
