// Package session supplies the credentials the engine presents on every
// connection handshake and REST call.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/jwt"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

// DefaultSkew is how long before expiry a session is refreshed proactively.
const DefaultSkew = 30 * time.Second

// Provider hands out the current session and can be asked to refresh it
// after the server rejects a credential.
type Provider interface {
	CurrentSession(ctx context.Context) (domain.Session, error)
	Refresh(ctx context.Context) (domain.Session, error)
}

// RefreshFunc obtains a fresh session from the identity provider.
type RefreshFunc func(ctx context.Context, current domain.Session) (domain.Session, error)

// FromTokens builds a session from raw tokens. The user id and expiry are
// read from the access token claims when they are not supplied.
func FromTokens(userID, idToken, accessToken string) (domain.Session, error) {
	s := domain.Session{UserID: userID, IDToken: idToken, AccessToken: accessToken}
	claims, err := jwt.Inspect(accessToken)
	if err != nil {
		if userID == "" {
			return domain.Session{}, &domain.AuthError{Err: err}
		}
		return s, nil
	}
	s.Expiry = claims.Expiry()
	if s.UserID == "" {
		s.UserID = claims.UserID
		if s.UserID == "" {
			s.UserID = claims.Subject
		}
	}
	if s.UserID == "" {
		return domain.Session{}, &domain.AuthError{Err: jwt.ErrInvalidToken}
	}
	return s, nil
}

// Static is a provider whose session never changes. Refresh returns an
// AuthError once the session has expired.
type Static struct {
	session domain.Session
}

func NewStatic(s domain.Session) *Static {
	return &Static{session: s}
}

func (p *Static) CurrentSession(ctx context.Context) (domain.Session, error) {
	return p.session, nil
}

func (p *Static) Refresh(ctx context.Context) (domain.Session, error) {
	if p.session.Expired(time.Now(), 0) {
		return domain.Session{}, &domain.AuthError{Err: jwt.ErrExpiredToken}
	}
	return p.session, nil
}

// Refreshing renews its session through a RefreshFunc, either on demand or
// when CurrentSession finds it within skew of expiry. Concurrent refreshes
// collapse into one call.
type Refreshing struct {
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	session domain.Session
	group   singleflight.Group
}

// NewRefreshing creates a provider seeded with initial.
func NewRefreshing(initial domain.Session, refresh RefreshFunc, skew time.Duration) *Refreshing {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Refreshing{
		refresh: refresh,
		skew:    skew,
		now:     time.Now,
		session: initial,
	}
}

func (p *Refreshing) CurrentSession(ctx context.Context) (domain.Session, error) {
	p.mu.RLock()
	s := p.session
	p.mu.RUnlock()

	if !s.Expired(p.now(), p.skew) {
		return s, nil
	}
	return p.Refresh(ctx)
}

func (p *Refreshing) Refresh(ctx context.Context) (domain.Session, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		p.mu.RLock()
		current := p.session
		p.mu.RUnlock()

		next, err := p.refresh(ctx, current)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.session = next
		p.mu.Unlock()
		return next, nil
	})
	l := log.Ctx(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("session refresh failed")
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return domain.Session{}, err
		}
		return domain.Session{}, &domain.AuthError{Err: err}
	}

	s := v.(domain.Session)
	l.Debug().Object("session", LogObject(s)).Msg("session refreshed")
	return s, nil
}

// sessionLog renders a session without its tokens.
type sessionLog domain.Session

func (s sessionLog) MarshalZerologObject(e *zerolog.Event) {
	e.Str(log.FieldUserID, s.UserID).Time("expiry", s.Expiry).Bool("has_token", s.AccessToken != "")
}

// LogObject wraps s for structured logging with tokens redacted.
func LogObject(s domain.Session) zerolog.LogObjectMarshaler {
	return sessionLog(s)
}
