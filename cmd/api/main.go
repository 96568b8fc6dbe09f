package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/config"
	"github.com/zhouzirui/carnage/backend/internal/handler"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/internal/observability"
	"github.com/zhouzirui/carnage/backend/internal/service/ai"
	"github.com/zhouzirui/carnage/backend/internal/service/relay"
	"github.com/zhouzirui/carnage/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env 可选，缺失时只使用系统环境变量
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment", zap.Error(envErr))
	}

	personaStore, err := loadPersonas(cfg.AI.PersonaFile)
	if err != nil {
		logger.Fatal("failed to load personas", zap.Error(err))
	}

	store := session.NewStore(
		session.WithMaxIDAttempts(cfg.Session.IDAttempts),
		session.WithLogger(logger),
	)
	hub := broadcast.NewHub(cfg.Broadcast.Buffer, logger)

	gateway, err := ai.NewFromConfig(ctx, cfg.AI, personaStore, logger)
	if err != nil {
		logger.Fatal("failed to initialize model gateway", zap.Error(err))
	}
	if gateway.Configured() {
		logger.Info("model gateway ready", zap.String("provider", cfg.AI.Provider))
	} else {
		logger.Warn("模型凭证未配置，/claude 与智能体回复将返回 server_configuration_error",
			zap.String("provider", cfg.AI.Provider))
	}

	relaySvc := relay.New(store, hub, gateway, personaStore, cfg.AI.Timeout, logger)

	auth := broadcast.Authorizer{Key: cfg.Broadcast.Key, Secret: cfg.Broadcast.Secret}
	if !cfg.Broadcast.AuthEnabled() {
		logger.Info("broadcast channel auth disabled")
	}

	router := handler.NewRouter(handler.Services{
		Personas: personaStore,
		Sessions: store,
		Hub:      hub,
		Auth:     auth,
		Gateway:  gateway,
		Relay:    relaySvc,
	}, logger)

	startServer(ctx, cfg.Server, router, logger)

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.AI.Timeout+5*time.Second)
	defer cancel()
	if err := relaySvc.Wait(waitCtx); err != nil {
		logger.Warn("agent replies still in flight at shutdown", zap.Error(err))
	}
}

func loadPersonas(path string) (persona.Store, error) {
	if path == "" {
		return persona.NewMemoryStore(persona.Seed()), nil
	}
	items, err := persona.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return persona.NewMemoryStore(items), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("CARNAGE backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
