package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/duelchat/internal/api"
	"github.com/ashureev/duelchat/internal/backend"
	"github.com/ashureev/duelchat/internal/config"
	"github.com/ashureev/duelchat/internal/identity"
	"github.com/ashureev/duelchat/internal/journal"
	"github.com/ashureev/duelchat/internal/middleware"
	"github.com/ashureev/duelchat/internal/session"
	"github.com/ashureev/duelchat/internal/store"
	"github.com/ashureev/duelchat/internal/transport/ws"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const storePollInterval = 2 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the comparison session and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "producers", cfg.Producers)

	repo, err := store.NewSQLiteWithConfig(store.Config{
		Path:         cfg.DBPath,
		PollInterval: storePollInterval,
		WatchFile:    cfg.DBWatch,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	backendClient, err := newBackendClient(backend.DefaultConfig(cfg.BackendAddr), logger)
	if err != nil {
		return err
	}
	defer backendClient.Close()

	transport, err := ws.New(cfg.PubSubURL, logger, ws.WithReadLimit(cfg.PubSubReadLimit))
	if err != nil {
		return err
	}

	ids, err := identity.NewStatic(cfg.Identity.IdentityID, cfg.Identity.Email)
	if err != nil {
		return err
	}

	conversationLog, err := journal.New(journal.Config{
		Enabled:   cfg.Journal.Enabled,
		Dir:       cfg.Journal.Dir,
		QueueSize: cfg.Journal.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation journal: %w", err)
	}
	defer func() {
		if closeErr := conversationLog.Close(); closeErr != nil {
			slog.Warn("failed to close conversation journal", "error", closeErr)
		}
	}()

	events := api.NewBroadcaster(cfg.SSE.ReplaySize, logger)
	sess := session.New(session.Deps{
		Identity:   ids,
		Store:      repo,
		Transport:  transport,
		Dispatcher: backendClient,
		Announcer:  backendClient,
		Journal:    conversationLog,
	}, session.Config{
		Producers:   cfg.Producers,
		MaxSequence: cfg.MaxSequence,
		RetryDelay:  cfg.Reconnect.Delay,
		Logger:      logger,
	}, events)

	handler := api.NewHandler(sess, events, api.Options{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		ClientRetry:        cfg.SSE.ClientRetry,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		Logger:             logger,
	})
	health := api.NewHealthHandler(map[string]api.Checker{
		"store":   api.CheckFunc(repo.Ping),
		"backend": api.CheckFunc(backendClient.Health),
	})

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, ids, handler, health, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runSession(gctx, sess, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// newBackendClient connects to the inference backend. An unreachable backend
// does not block startup: history stays browsable and prompts fail until the
// backend comes up, which /api/health reports.
func newBackendClient(cfg backend.Config, logger *slog.Logger) (*backend.Client, error) {
	client, err := backend.NewClient(cfg, logger)
	if err == nil {
		return client, nil
	}
	logger.Warn("Backend not reachable, prompts will fail until it is", "address", cfg.Address, "error", err)
	cfg.SkipReadyCheck = true
	return backend.NewClient(cfg, logger)
}

// runSession starts sess and holds it until ctx ends. A session that fails to
// start stays uninitialized and the API keeps reporting what is missing.
func runSession(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	defer sess.Close()
	if err := sess.Start(ctx); err != nil {
		logger.Error("Session failed to start", "error", err, "missing", sess.Missing())
	}
	<-ctx.Done()
}

func newRouter(cfg *config.Config, ids identity.Provider, handler *api.Handler, health *api.HealthHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(ids, logger))

	health.RegisterHealth(r)
	handler.RegisterRoutes(r)
	return r
}
