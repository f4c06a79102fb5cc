package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer credential attached to every request.
// Invalidate is called after a 401 so the next Token call returns a fresh
// credential; the refresh flow itself lives outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticToken is a fixed credential, mostly for tests.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }
func (t StaticToken) Invalidate()                               {}

// RefreshingTokenSource caches an access token and calls the injected refresh
// function when the token is missing, invalidated, or about to expire. Expiry
// is read from the JWT exp claim without verifying the signature — the remote
// store is the one that verifies.
type RefreshingTokenSource struct {
	mu      sync.Mutex
	access  string
	refresh func(ctx context.Context) (string, error)
	skew    time.Duration
	now     func() time.Time
}

// NewRefreshingTokenSource builds a token source around the given refresh
// function. Tokens are renewed 30 seconds before their exp claim.
func NewRefreshingTokenSource(refresh func(ctx context.Context) (string, error)) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		refresh: refresh,
		skew:    30 * time.Second,
		now:     time.Now,
	}
}

func (ts *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.access != "" && !ts.expiringSoon(ts.access) {
		return ts.access, nil
	}
	token, err := ts.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}
	ts.access = token
	return token, nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (ts *RefreshingTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.access = ""
	ts.mu.Unlock()
}

// expiringSoon reports whether the token's exp claim falls within the skew
// window. Tokens without a readable exp claim are treated as still valid and
// only renewed through Invalidate.
func (ts *RefreshingTokenSource) expiringSoon(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return ts.now().Add(ts.skew).After(exp.Time)
}
