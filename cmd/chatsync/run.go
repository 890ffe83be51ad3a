package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/client"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/connection"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/service"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/session"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

// runEngine starts the sync engine and serves commands from in until
// interrupted or the input ends.
func runEngine(parent context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log.Init(cfg.Log)
	logger := log.L()

	sess, err := session.FromTokens(cfg.Session.UserID, cfg.Session.IDToken, cfg.Session.AccessToken)
	if err != nil {
		return err
	}
	sessions := session.NewStatic(sess)
	logger.Info().Object("session", session.LogObject(sess)).Msg("session loaded")

	ids, err := idgen.New(cfg.Ledger.IDStrategy)
	if err != nil {
		return err
	}

	bus := pubsub.NewMemoryPubSub(pubsub.DefaultConfig())
	defer bus.Close()

	conn := connection.NewManager(cfg.Server.WebSocketURL, cfg.WebSocket, cfg.Reconnect, sessions, nil, logger)
	api := client.NewRESTClient(cfg.Server.RESTBaseURL, cfg.REST, sessions, logger)
	engine := service.NewEngine(sess.UserID, conn, api, bus, ids, *cfg, logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(log.WithLogger(parent, logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	err = engine.Start(startCtx)
	startCancel()
	if err != nil {
		return err
	}
	defer engine.Stop()

	if err := watch(ctx, engine); err != nil {
		return err
	}
	printConversations(out, engine.Conversations())

	done := make(chan struct{})
	go func() {
		repl(ctx, engine, in, out)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	logger.Info().Msg("shutting down")
	return nil
}

// watch logs every notification published by the engine.
func watch(ctx context.Context, engine service.SyncService) error {
	for _, topic := range pubsub.AllTopics {
		events, err := engine.Notifications(ctx, topic)
		if err != nil {
			return err
		}
		go func(events <-chan *pubsub.Event) {
			for evt := range events {
				l := log.Ctx(ctx)
				l.Debug().Str(log.FieldTopic, evt.Type).Str(log.FieldConversationID, evt.ConversationID).Msg("notification")
				switch evt.Type {
				case pubsub.TopicConnectionLost, pubsub.TopicSessionExpired:
					l.Error().Interface("cause", evt.Payload).Msg(evt.Type)
				case pubsub.TopicMessageUndelivered:
					l.Warn().Interface("cause", evt.Payload).Msg("message not acknowledged in time, retry with: retry <id>")
				}
			}
		}(events)
	}
	return nil
}
