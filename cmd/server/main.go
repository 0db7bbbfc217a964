// Walt - biography interview server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/walt/internal/agent"
	"github.com/ashureev/walt/internal/api"
	"github.com/ashureev/walt/internal/completion"
	"github.com/ashureev/walt/internal/config"
	"github.com/ashureev/walt/internal/identity"
	"github.com/ashureev/walt/internal/live"
	"github.com/ashureev/walt/internal/middleware"
	"github.com/ashureev/walt/internal/probe"
	"github.com/ashureev/walt/internal/prompt"
	"github.com/ashureev/walt/internal/store"
	"github.com/ashureev/walt/internal/sweeper"
	"github.com/ashureev/walt/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	llm, err := completion.NewFromConfig(ctx, cfg.LLM, logger)
	if err != nil {
		return err
	}

	// Missing prompts are logged by Open and only fail the operations that need them.
	prompts, err := prompt.Open(cfg.Prompts.Dir, logger)
	if err != nil {
		return err
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		MaxOpenFiles:  cfg.ConversationLog.MaxOpenFiles,
	}, logger)
	if err != nil {
		return err
	}

	manager := agent.NewManager(llm, prompts, agent.ManagerConfig{
		TurnSuffix:  cfg.Turn.Suffix,
		VerifyFacts: cfg.Turn.VerifyFacts,
	}, logger)
	service := agent.NewService(manager, repo, logger)

	agentHandler := agent.NewHandler(service, agent.HandlerConfig{
		RateLimitRequests:  cfg.RateLimit.RequestsPerWindow,
		RateLimitWindow:    cfg.RateLimit.WindowDuration,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}, conversationLogger, logger)
	defer agentHandler.Close()

	registry := live.NewRegistry()
	wsHandler := live.NewHandler(service, repo, registry, conversationLogger, live.Config{
		AllowedOrigins: cfg.CORSOrigins,
		IsDev:          cfg.IsDevelopment(),
		Limiter:        agentHandler.RateLimiter(),
	}, logger)

	accountHandler := api.NewHandler(repo, service, registry, cfg, logger)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		accountHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
		r.Get("/ws/interview", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Model calls can take minutes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sweeper.New(repo, registry, cfg.SessionTTL, cfg.SweepInterval, logger).Run(gctx)
	})

	if cfg.Prompts.Dir != "" && cfg.Prompts.Watch {
		g.Go(func() error {
			if err := prompts.Watch(gctx, cfg.Prompts.Dir); err != nil {
				// The last good prompt set stays in use.
				slog.Error("Prompt watcher stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.GRPCPort != "" {
		g.Go(func() error {
			return probe.NewServer(repo, 0, logger).ListenAndServe(gctx, ":"+cfg.GRPCPort)
		})
	}

	return g.Wait()
}
