package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/devserver"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

func main() {
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := log.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	cfg.Log.ServiceName = "chatsync-devserver"
	log.Init(cfg.Log)
	logger := log.L()

	ids, err := idgen.New(cfg.Ledger.IDStrategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid id strategy")
	}

	server := devserver.New(cfg.DevServer, cfg.WebSocket, ids, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.DevServer.Host, cfg.DevServer.Port)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		logger.Fatal().Err(err).Msg("dev server failed")
	}
	logger.Info().Msg("dev server stopped")
}
