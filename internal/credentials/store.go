// Package credentials holds the token pair of one storage account and
// coordinates refreshing it. A Store is shared by every call of the account:
// token fields sit behind a read/write lock, and a separate refresh guard
// serializes the refresh critical section so ordinary reads never wait on a
// refresh in flight.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/cloudview/internal/tasks"
)

// ErrNoRefreshToken is returned by Refresh when the account was never authorized.
var ErrNoRefreshToken = errors.New("credentials: no refresh token, log in first")

// ErrRefreshAborted is returned when the shared refresh was aborted before it ran.
var ErrRefreshAborted = errors.New("credentials: token refresh aborted")

// Credentials is the startup configuration of one account.
type Credentials struct {
	ClientID          string
	ClientSecret      string
	RedirectAddresses []string
	Token             *oauth2.Token // may be nil before the first login
}

// Refresher performs the network refresh.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*oauth2.Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, clientID, clientSecret, refreshToken string) (*oauth2.Token, error)

// RefreshAccessToken calls f.
func (f RefresherFunc) RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, clientID, clientSecret, refreshToken)
}

// Spawner runs work on a tracked goroutine. *tasks.Runtime implements it.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context)) (*tasks.Task, error)
}

// Store is the shared credential handle for one account.
type Store struct {
	mu           sync.RWMutex
	clientID     string
	clientSecret string
	redirects    []string
	token        oauth2.Token

	// guard serializes refresh attempts; flight collapses concurrent
	// refreshes of the same stale token into one.
	guard  sync.Mutex
	flight singleflight.Group

	spawner  Spawner
	onChange func(*oauth2.Token)
	logger   *slog.Logger
}

// NewStore creates a store. onChange, when non-nil, is called with a copy of
// the token after every successful refresh or SetToken, outside the lock.
func NewStore(c Credentials, onChange func(*oauth2.Token), logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		clientID:     c.ClientID,
		clientSecret: c.ClientSecret,
		redirects:    slices.Clone(c.RedirectAddresses),
		onChange:     onChange,
		logger:       logger,
	}

	if c.Token != nil {
		s.token = *c.Token
	}

	return s
}

// SetSpawner runs shared refreshes as tasks of sp, so shutting sp down aborts
// them and waits for them. Call it before the first Refresh.
func (s *Store) SetSpawner(sp Spawner) {
	s.spawner = sp
}

// AccessToken returns the current access token ("" when not logged in).
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token.AccessToken
}

// Token returns a copy of the current token pair.
func (s *Store) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok := s.token

	return &tok
}

// HasToken reports whether an access or refresh token is stored.
func (s *Store) HasToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token.AccessToken != "" || s.token.RefreshToken != ""
}

// ClientID returns the application client id.
func (s *Store) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clientID
}

// ClientSecret returns the application secret.
func (s *Store) ClientSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clientSecret
}

// RedirectAddresses returns the candidate callback listen addresses in order.
func (s *Store) RedirectAddresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.redirects)
}

// SetToken replaces the token pair, e.g. after an authorization-code
// exchange. A token without a refresh token keeps the stored one.
func (s *Store) SetToken(tok *oauth2.Token) {
	s.mu.Lock()

	refresh := s.token.RefreshToken
	s.token = *tok

	if s.token.RefreshToken == "" {
		s.token.RefreshToken = refresh
	}

	saved := s.token
	s.mu.Unlock()

	s.notify(&saved)
}

// Clear forgets both tokens.
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = oauth2.Token{}
	s.mu.Unlock()
}

func (s *Store) notify(tok *oauth2.Token) {
	if s.onChange != nil {
		s.onChange(tok)
	}
}

// Refresh replaces failedToken with a fresh access token and returns the new
// one. If the stored token no longer equals failedToken, another caller has
// already refreshed it and the current token is returned without a network
// call. Concurrent callers for the same failedToken share one refresh; a
// caller whose ctx ends stops waiting without canceling the shared refresh.
func (s *Store) Refresh(ctx context.Context, failedToken string, r Refresher) (string, error) {
	ch := s.flight.DoChan(failedToken, func() (any, error) {
		return s.detached(ctx, func(ctx context.Context) (string, error) {
			return s.refreshLocked(ctx, failedToken, r)
		})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil //nolint:forcetypeassert // refreshLocked always returns string
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// detached runs fn outside the lifetime of the caller that triggered it, since
// other waiters depend on the result. With a spawner, fn runs as a task.
func (s *Store) detached(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	if s.spawner == nil {
		return fn(context.WithoutCancel(ctx))
	}

	type result struct {
		token string
		err   error
	}

	done := make(chan result, 1)

	task, err := s.spawner.Spawn("token_refresh", func(ctx context.Context) {
		tok, err := fn(ctx)
		done <- result{token: tok, err: err}
	})
	if err != nil {
		return "", fmt.Errorf("credentials: starting refresh: %w", err)
	}

	select {
	case res := <-done:
		return res.token, res.err
	case <-task.Done():
		select {
		case res := <-done:
			return res.token, res.err
		default:
			return "", ErrRefreshAborted
		}
	}
}

func (s *Store) refreshLocked(ctx context.Context, failedToken string, r Refresher) (string, error) {
	s.guard.Lock()
	defer s.guard.Unlock()

	s.mu.RLock()
	current := s.token.AccessToken
	refresh := s.token.RefreshToken
	clientID, secret := s.clientID, s.clientSecret
	s.mu.RUnlock()

	if current != failedToken {
		s.logger.Debug("token already refreshed by another call")
		return current, nil
	}

	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	tok, err := r.RefreshAccessToken(ctx, clientID, secret, refresh)
	if err != nil {
		s.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return "", err
	}

	s.mu.Lock()
	s.token.AccessToken = tok.AccessToken
	s.token.TokenType = tok.TokenType
	s.token.Expiry = tok.Expiry

	if tok.RefreshToken != "" {
		s.token.RefreshToken = tok.RefreshToken
	}

	saved := s.token
	s.mu.Unlock()

	s.logger.Info("access token refreshed")
	s.notify(&saved)

	return saved.AccessToken, nil
}
