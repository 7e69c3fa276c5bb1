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

	"github.com/spf13/cobra"

	"vaultagent/internal/config"
	"vaultagent/internal/events"
	"vaultagent/internal/llm"
	"vaultagent/internal/orchestrator"
	"vaultagent/internal/permission"
	"vaultagent/internal/queue"
	"vaultagent/internal/scanner"
	"vaultagent/internal/server"
	"vaultagent/internal/session"
	"vaultagent/internal/usage"
	"vaultagent/internal/vault"
)

const shutdownGrace = 30 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "vaultagent-server",
		Short: "Agent orchestration server over a filesystem vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to JSON config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := vault.NewStore(cfg.VaultPath)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	logger.Info("vault opened", "root", store.Root())

	tracker, err := usage.NewTracker(cfg.UsageDB())
	if err != nil {
		logger.Warn("usage tracker unavailable", "error", err)
		tracker = nil
	}

	q := queue.New(queue.Options{
		Capacity:    cfg.Queue.Capacity,
		TerminalCap: cfg.Queue.TerminalCap,
		PersistPath: cfg.QueueFile(),
	})
	if err := q.Load(); err != nil {
		logger.Warn("queue load failed", "error", err)
	}

	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Model:     cfg.Provider.Model,
		TimeoutMS: cfg.Provider.TimeoutMS,
	}, store)

	sessions, err := session.NewStore(session.StoreOptions{
		Dir:        cfg.SessionsDir(),
		LegacyDirs: cfg.LegacySessionDirs(),
		Titler:     llm.NewTitler(client, cfg.Provider.Model),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	logger.Info("sessions indexed", "count", sessions.Stats().Indexed)

	bus := events.NewBus()
	scan := scanner.New(store)
	broker := permission.NewBroker(permission.Options{
		Store:   store,
		Bus:     bus,
		Tracker: tracker,
		Timeout: cfg.PermissionTimeout(),
		Logger:  logger,
	})

	builder := session.NewBuilder()
	builder.TokenBudget = cfg.Session.TokenBudget

	orch := orchestrator.New(orchestrator.Options{
		Store:         store,
		Sessions:      sessions,
		Builder:       builder,
		Queue:         q,
		Scanner:       scan,
		Broker:        broker,
		Bus:           bus,
		Client:        client,
		Tracker:       tracker,
		Logger:        logger,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxDepth:      cfg.Queue.MaxSpawnDepth,
		SessionIdle:   cfg.SessionIdleWindow(),
		SessionMaxAge: cfg.Session.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	orch.Start(ctx)

	srv := server.New(server.Options{
		Config:   cfg,
		Store:    store,
		Sessions: sessions,
		Queue:    q,
		Scanner:  scan,
		Broker:   broker,
		Bus:      bus,
		Orch:     orch,
		Tracker:  tracker,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	orch.Shutdown(shutdownGrace)
	if tracker != nil {
		_ = tracker.Close()
	}
	logger.Info("bye")
	return nil
}
