// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storyforge/internal/config"
	"storyforge/internal/domain/ports/adapter"
	aiAdapters "storyforge/internal/infra/adapters/ai"
	"storyforge/internal/infra/api"
	pg "storyforge/internal/infra/db/postgres"
	"storyforge/internal/infra/logging"
	"storyforge/internal/infra/metrics"
	"storyforge/internal/infra/notify"
	red "storyforge/internal/infra/redis"
	"storyforge/internal/infra/trigger"
	"storyforge/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (static generator, console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	if err := pg.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("schema: %v", err)
	}

	// ---- Redis (optional, only backs the provider rate limit) ----
	var rateLimiter *red.RateLimiter
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisClient.Close()
		rateLimiter = red.NewRateLimiter(redisClient)
	}

	// ---- Repositories ----
	runRepo := pg.NewRunRepo(pool)
	itemRepo := pg.NewWorkItemRepo(pool)
	subjectRepo := pg.NewSubjectRepo(pool)
	tm := pg.NewTxManager(pool)

	// ---- Generator (Gemini -> OpenAI -> static) ----
	var gen adapter.Generator
	switch {
	case cfg.Runtime.Dev:
		gen = aiAdapters.NewStaticGenerator(200 * time.Millisecond)
		logger.Info().Msg("generator: static (dev)")
	case cfg.AI.GeminiKey != "":
		gen, err = aiAdapters.NewGeminiGenerator(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			log.Fatalf("gemini: %v", err)
		}
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("generator: gemini")
	case cfg.AI.OpenAIKey != "":
		gen, err = aiAdapters.NewOpenAIGenerator(cfg.AI.OpenAIKey, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			log.Fatalf("openai: %v", err)
		}
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("generator: openai")
	default:
		log.Fatalf("no AI provider configured: set ai.gemini_key or ai.openai_key in %s (or run with -dev)", *cfgPath)
	}
	gen = aiAdapters.NewLimitedGenerator(gen, rateLimiter, cfg.AI.RateLimitPerMin)

	// ---- Notifier ----
	var notifier adapter.RunNotifier = notify.NewNoopNotifier()
	if cfg.Notify.TelegramToken != "" && cfg.Notify.ChatID != 0 {
		notifier, err = notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.ChatID, logger)
		if err != nil {
			log.Fatalf("telegram: %v", err)
		}
		logger.Info().Msg("notifier: telegram")
	}

	// ---- Run engine ----
	cancels := usecase.NewCancelRegistry()
	next := trigger.NewHTTPTrigger(cfg.Batch.BaseURL, cfg.Batch.Secret, cfg.Batch.TriggerTimeout, logger)
	exec := usecase.NewExecutor(runRepo, itemRepo, subjectRepo, tm, gen, notifier, cancels, cfg.Batch.DefaultPacing, logger)
	runUC := usecase.NewRunController(runRepo, itemRepo, subjectRepo, tm, next, notifier, cancels, cfg.Batch.StaleThreshold, logger)

	// ---- HTTP ----
	metrics.MustRegister()
	auth := api.NewAuth(cfg.Auth)
	srv := api.NewServer(runUC, exec, next, auth, cfg.Batch.Secret, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}
