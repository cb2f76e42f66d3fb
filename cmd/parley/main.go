// Package main is the entry point for the Parley orchestration service.
// The single binary runs the engine, the websocket gateway, and the
// background cleanup scheduler over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentrepo "github.com/parleyhq/parley/internal/agent/repository"
	agentservice "github.com/parleyhq/parley/internal/agent/service"
	"github.com/parleyhq/parley/internal/approval/policy"
	approvalrepo "github.com/parleyhq/parley/internal/approval/repository"
	approvalservice "github.com/parleyhq/parley/internal/approval/service"
	"github.com/parleyhq/parley/internal/cleanup"
	"github.com/parleyhq/parley/internal/common/clock"
	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	convrepo "github.com/parleyhq/parley/internal/conversation/repository"
	convservice "github.com/parleyhq/parley/internal/conversation/service"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/engine/model"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/gateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("parley exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	pool, err := openPool(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	eventBus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	conversationRepo, err := convrepo.NewSQLRepository(pool)
	if err != nil {
		return err
	}
	agentRepo, err := agentrepo.NewSQLRepository(pool)
	if err != nil {
		return err
	}
	approvalRepo, err := approvalrepo.NewSQLRepository(pool)
	if err != nil {
		return err
	}

	clk := clock.System{}
	conversations := convservice.NewService(conversationRepo, eventBus, clk, log)
	conversations.SetDefaultMaxMessages(cfg.Engine.MaxMessages)
	agents := agentservice.NewService(agentRepo, eventBus, clk, log)
	approvals := approvalservice.NewService(approvalRepo, eventBus, clk, log)

	pol, err := loadPolicy(cfg, log)
	if err != nil {
		return err
	}

	provider := model.NewBridgeProvider(eventBus)
	eng := engine.New(conversations, agents, approvals, pol, provider, eventBus, log, engine.Options{
		ApprovalTimeoutSeconds: cfg.Approval.DefaultTimeout,
	})

	scheduler := cleanup.NewScheduler(conversations, approvals, cleanup.Config{
		ConversationInterval:  cfg.Cleanup.ConversationInterval(),
		ConversationMaxAge:    cfg.Cleanup.ConversationMaxAge(),
		ApprovalSweepInterval: cfg.Cleanup.ApprovalInterval(),
	}, log)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer func() { _ = scheduler.Stop() }()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gateway.NewServer(eng, approvals, log).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openPool(cfg *config.Config, log *logger.Logger) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.PostgresDSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		log.Info("database ready", zap.String("driver", "postgres"))
		return db.NewSharedPool(conn), nil
	default:
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		log.Info("database ready", zap.String("driver", "sqlite"), zap.String("path", cfg.Database.Path))
		return db.NewPool(writer, reader), nil
	}
}

func openBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	return natsBus, nil
}

func loadPolicy(cfg *config.Config, log *logger.Logger) (*policy.Policy, error) {
	if cfg.Approval.PolicyFile == "" {
		log.Info("using built-in approval policy")
		return policy.Default(), nil
	}
	pol, err := policy.LoadFile(cfg.Approval.PolicyFile)
	if err != nil {
		return nil, err
	}
	log.Info("approval policy loaded", zap.String("file", cfg.Approval.PolicyFile))
	return pol, nil
}
