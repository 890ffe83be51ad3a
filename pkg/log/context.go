package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger attaches logger to ctx. Engine goroutines derive their
// contexts from the one carrying the session logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx returns the logger carried by ctx, or the global logger.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return L()
}

// WithConversation returns ctx with its logger tagged by conversation id.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	l := Ctx(ctx).With().Str(FieldConversationID, conversationID).Logger()
	return WithLogger(ctx, l)
}
