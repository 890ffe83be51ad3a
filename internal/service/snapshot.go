package service

import (
	"context"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

// fetchSnapshot loads the user's groups and friends in parallel. Friends
// are enriched concurrently; each result is written to its own slot so the
// outcome does not depend on completion order.
func (e *Engine) fetchSnapshot(ctx context.Context) ([]domain.Conversation, error) {
	var groups []domain.Conversation
	var friends []domain.Friend

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		groups, err = e.api.MyGroups(gCtx, e.self)
		return err
	})

	g.Go(func() error {
		var err error
		friends, err = e.api.Friends(gCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	private := make([]domain.Conversation, len(friends))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.concurrency)
	for i, f := range friends {
		i, f := i, f
		eg.Go(func() error {
			conv, err := e.privateConversation(egCtx, f)
			if err != nil {
				// A friend without profile data still gets a conversation.
				l := log.Ctx(egCtx)
				l.Warn().Err(err).Str(log.FieldUserID, f.UserID).Msg("friend enrichment failed")
			}
			private[i] = conv
			return nil
		})
	}
	eg.Wait()

	private = lo.Filter(private, func(c domain.Conversation, _ int) bool { return c.ID != "" })
	return append(groups, private...), nil
}

// privateConversation builds the 1:1 conversation with a friend from their
// profile and the latest message exchanged. On error the conversation is
// returned without the missing parts.
func (e *Engine) privateConversation(ctx context.Context, f domain.Friend) (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:           f.ConversationID,
		Kind:         domain.KindPrivate,
		Participants: domain.NewParticipants(e.self, f.UserID),
	}
	conv.ParticipantCount = len(conv.Participants)

	var user domain.UserInfo
	var latest *domain.Message

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = e.api.User(gCtx, f.UserID)
		return err
	})
	g.Go(func() error {
		var err error
		latest, err = e.api.LatestMessage(gCtx, f.UserID)
		return err
	})
	err := g.Wait()

	conv.DisplayName = user.DisplayName
	conv.AvatarRef = user.AvatarRef
	if latest != nil {
		ref := latest.Ref()
		conv.LastMessage = &ref
	}
	return conv, err
}
