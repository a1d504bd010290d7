package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Credentials are what an adapter factory needs to reach a provider.
type Credentials struct {
	APIKey  string
	BaseURL string
	// Tokens, when set, supplies OAuth bearer tokens instead of an API key.
	Tokens     *TokenSource
	HTTPClient *http.Client
	Headers    map[string]string
}

// Token is an OAuth access/refresh token pair.
type Token struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	Expiry  time.Time `json:"expires"`
}

// Refresher exchanges a refresh token for a new Token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	return f(ctx, refreshToken)
}

// TokenSourceConfig holds configuration for a TokenSource.
type TokenSourceConfig struct {
	Initial   Token
	Refresher Refresher
	// Leeway refreshes tokens this long before they expire.
	Leeway time.Duration
	// OnRefresh is called with every newly obtained token, e.g. to persist it.
	OnRefresh func(Token)
	Now       func() time.Time
}

// TokenSource hands out access tokens, refreshing them near expiry.
// Concurrent callers share a single refresh.
type TokenSource struct {
	mu        sync.Mutex
	token     Token
	refresher Refresher
	leeway    time.Duration
	onRefresh func(Token)
	now       func() time.Time
}

// NewTokenSource creates a token source.
func NewTokenSource(cfg TokenSourceConfig) *TokenSource {
	if cfg.Leeway == 0 {
		cfg.Leeway = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenSource{
		token:     cfg.Initial,
		refresher: cfg.Refresher,
		leeway:    cfg.Leeway,
		onRefresh: cfg.OnRefresh,
		now:       cfg.Now,
	}
}

// Token returns a valid access token.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Access != "" && (s.token.Expiry.IsZero() || s.now().Add(s.leeway).Before(s.token.Expiry)) {
		return s.token.Access, nil
	}

	if s.refresher == nil || s.token.Refresh == "" {
		return "", fmt.Errorf("access token expired and no refresh is possible")
	}

	next, err := s.refresher.Refresh(ctx, s.token.Refresh)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if next.Access == "" {
		return "", fmt.Errorf("refresh returned an empty access token")
	}
	if next.Refresh == "" {
		next.Refresh = s.token.Refresh
	}
	s.token = next

	if s.onRefresh != nil {
		s.onRefresh(next)
	}
	return next.Access, nil
}
