// Package client is the REST collaborator of the sync engine: snapshot
// fetches and user lookups against the chat backend.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/session"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/response"
)

// Errors
var (
	ErrNotFound = errors.New("resource not found")
)

// API is the subset of the backend REST surface the engine consumes.
type API interface {
	MyGroups(ctx context.Context, userID string) ([]domain.Conversation, error)
	Conversation(ctx context.Context, id string) (domain.Conversation, error)
	User(ctx context.Context, id string) (domain.UserInfo, error)
	LatestMessage(ctx context.Context, friendID string) (*domain.Message, error)
	Friends(ctx context.Context) ([]domain.Friend, error)
}

// RESTClient implements API over HTTP. Every request carries the session's
// bearer credential; a 401 triggers one refresh and retry.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	sessions   session.Provider
	limiter    *rate.Limiter

	cache    map[string]*cachedUser
	cacheTTL time.Duration
	mu       sync.RWMutex
}

type cachedUser struct {
	user      domain.UserInfo
	expiresAt time.Time
}

// NewRESTClient creates a client for the API rooted at baseURL.
func NewRESTClient(baseURL string, cfg config.RESTConfig, sessions session.Provider, logger zerolog.Logger) *RESTClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: log.Transport(logger, nil),
		},
		sessions: sessions,
		limiter:  rate.NewLimiter(limit, burst),
		cache:    make(map[string]*cachedUser),
		cacheTTL: cfg.UserCacheTTL,
	}
}

// MyGroups fetches the group conversations of userID.
func (c *RESTClient) MyGroups(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var payload []protocol.ConversationPayload
	if err := c.get(ctx, "/conversations/my-groups/"+url.PathEscape(userID), nil, &payload); err != nil {
		if errors.Is(err, response.ErrEmptyData) {
			return nil, nil
		}
		return nil, err
	}

	convs := make([]domain.Conversation, 0, len(payload))
	for _, p := range payload {
		convs = append(convs, p.ToDomain())
	}
	return convs, nil
}

// Conversation fetches one conversation.
func (c *RESTClient) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	var p protocol.ConversationPayload
	if err := c.get(ctx, "/conversation/"+url.PathEscape(id), nil, &p); err != nil {
		if errors.Is(err, response.ErrEmptyData) {
			return domain.Conversation{}, ErrNotFound
		}
		return domain.Conversation{}, err
	}
	return p.ToDomain(), nil
}

// User fetches a public profile. Profiles are cached for the configured TTL.
func (c *RESTClient) User(ctx context.Context, id string) (domain.UserInfo, error) {
	if u, ok := c.getFromCache(id); ok {
		return u, nil
	}

	var p protocol.UserPayload
	if err := c.get(ctx, "/user/"+url.PathEscape(id), nil, &p); err != nil {
		if errors.Is(err, response.ErrEmptyData) {
			return domain.UserInfo{}, ErrNotFound
		}
		return domain.UserInfo{}, err
	}

	u := domain.UserInfo{ID: p.ID, DisplayName: p.Name, AvatarRef: p.Avatar}
	if u.ID == "" {
		u.ID = id
	}
	c.addToCache(id, u)
	return u, nil
}

// LatestMessage fetches the latest message exchanged with a friend, or nil
// if there is none.
func (c *RESTClient) LatestMessage(ctx context.Context, friendID string) (*domain.Message, error) {
	var p protocol.MessagePayload
	err := c.get(ctx, "/message/get-latest-message", url.Values{"friendId": {friendID}}, &p)
	if errors.Is(err, response.ErrEmptyData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := p.ToDomain()
	return &m, nil
}

// Friends fetches the friend list of the session user.
func (c *RESTClient) Friends(ctx context.Context) ([]domain.Friend, error) {
	var payload []protocol.FriendPayload
	if err := c.get(ctx, "/friends", nil, &payload); err != nil {
		if errors.Is(err, response.ErrEmptyData) {
			return nil, nil
		}
		return nil, err
	}

	friends := make([]domain.Friend, 0, len(payload))
	for _, p := range payload {
		friends = append(friends, domain.Friend{UserID: p.UserID, ConversationID: p.ConversationID})
	}
	return friends, nil
}

// InvalidateUser removes a profile from the cache.
func (c *RESTClient) InvalidateUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
}

func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	s, err := c.sessions.CurrentSession(ctx)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, path, query, s)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		s, err = c.sessions.Refresh(ctx)
		if err != nil {
			return &domain.AuthError{Err: err}
		}
		resp, err = c.do(ctx, path, query, s)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return &domain.AuthError{Err: domain.ErrUnauthorized}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	err = response.Decode(resp.Body, out)
	if resp.StatusCode >= 300 {
		if err == nil || errors.Is(err, response.ErrEmptyData) {
			err = errors.New(http.StatusText(resp.StatusCode))
		}
		return fmt.Errorf("GET %s returned status %d: %w", path, resp.StatusCode, err)
	}
	return err
}

func (c *RESTClient) do(ctx context.Context, path string, query url.Values, s domain.Session) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *RESTClient) getFromCache(id string) (domain.UserInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cached, ok := c.cache[id]; ok && time.Now().Before(cached.expiresAt) {
		return cached.user, true
	}
	return domain.UserInfo{}, false
}

func (c *RESTClient) addToCache(id string, u domain.UserInfo) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[id] = &cachedUser{
		user:      u,
		expiresAt: time.Now().Add(c.cacheTTL),
	}
}
