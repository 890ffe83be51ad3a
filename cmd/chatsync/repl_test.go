package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/ledger"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/service"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

type fakeEngine struct {
	service.SyncService
	sent    []ledger.Outgoing
	renamed map[string]string
}

func (f *fakeEngine) SendMessage(ctx context.Context, out ledger.Outgoing) (domain.Message, error) {
	f.sent = append(f.sent, out)
	return domain.Message{ID: "p1", ConversationID: out.ConversationID, Status: domain.StatusPending}, nil
}

func (f *fakeEngine) RenameGroup(ctx context.Context, conversationID, name string) error {
	f.renamed[conversationID] = name
	return nil
}

func (f *fakeEngine) Conversations() []domain.Conversation {
	return []domain.Conversation{{
		ID: "g1", Kind: domain.KindGroup, DisplayName: "Team", ParticipantCount: 3,
		LastMessage: &domain.MessageRef{ID: "m1", SenderID: "bob", Preview: "lunch?", CreatedAt: time.Now()},
	}}
}

func (f *fakeEngine) Notifications(ctx context.Context, topic string) (<-chan *pubsub.Event, error) {
	return make(chan *pubsub.Event), nil
}

func TestREPL_DispatchesCommands(t *testing.T) {
	req := require.New(t)
	engine := &fakeEngine{renamed: make(map[string]string)}
	var out bytes.Buffer

	// When
	repl(context.Background(), engine, strings.NewReader("send g1 hello there\nrename g1 The Crew\nlist\nsend g1\nquit\nsend g1 ignored\n"), &out)

	// Then
	req.Len(engine.sent, 1)
	req.Equal("hello there", engine.sent[0].Payload)
	req.Equal(domain.ContentText, engine.sent[0].Variant)
	req.Equal("The Crew", engine.renamed["g1"])
	req.Contains(out.String(), "queued p1")
	req.Contains(out.String(), "bob: lunch?")
	req.Contains(out.String(), "error: send needs 2 argument(s)")
}
