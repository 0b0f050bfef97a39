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

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/handler"
	chatModel "github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/chat"
	"github.com/zhouzirui/tavern-relay/internal/service/remote"
	"github.com/zhouzirui/tavern-relay/internal/store"
)

// conversationStore is what the service needs from a handle store.
type conversationStore interface {
	remote.ConversationStore
	List(ctx context.Context) ([]chatModel.ConversationHandle, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	conversations, closeStore, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open conversation store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if !cfg.Remote.Enabled() {
		logger.Warn("REMOTE_TOKENS 未配置，所有远端调用将返回配置错误")
	}

	client, err := remote.NewFromConfig(cfg.Remote, conversations, logger)
	if err != nil {
		logger.Error("failed to build remote client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("remote client initialized",
		"credentials", len(cfg.Remote.Tokens),
		"base_url", cfg.Remote.BaseURL,
		"stream_url", cfg.Remote.StreamURL,
		"store", cfg.Store.Driver,
	)

	personaStore := persona.NewMemoryStore(nil)
	router := handler.NewRouter(client, personaStore, conversations)

	startServer(ctx, logger, cfg.Server, router)
}

func openStore(cfg config.StoreConfig) (conversationStore, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory", "":
		return chat.NewService(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func startServer(ctx context.Context, logger *slog.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("tavern relay listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", "error", err)
		return
	}
	logger.Info("server stopped")
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
