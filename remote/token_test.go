package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestRefreshingTokenSourceCaches(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token := signedToken(t, now.Add(time.Hour))

	refreshes := 0
	ts := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		refreshes++
		return token, nil
	})
	ts.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		got, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, token, got)
	}
	require.Equal(t, 1, refreshes)
}

func TestRefreshingTokenSourceRenewsBeforeExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// Expires in 10 seconds, inside the 30 second skew window.
	expiring := signedToken(t, now.Add(10*time.Second))
	fresh := signedToken(t, now.Add(time.Hour))

	tokens := []string{expiring, fresh}
	refreshes := 0
	ts := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		tok := tokens[refreshes]
		refreshes++
		return tok, nil
	})
	ts.now = func() time.Time { return now }

	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, expiring, got)

	// The cached token is already inside the renewal window, so the next call
	// refreshes.
	got, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, got)
	require.Equal(t, 2, refreshes)
}

func TestRefreshingTokenSourceInvalidate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token := signedToken(t, now.Add(time.Hour))

	refreshes := 0
	ts := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		refreshes++
		return token, nil
	})
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background())
	require.NoError(t, err)
	ts.Invalidate()
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, refreshes)
}

func TestRefreshingTokenSourceOpaqueTokenStaysCached(t *testing.T) {
	refreshes := 0
	ts := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		refreshes++
		return "not-a-jwt", nil
	})

	for i := 0; i < 2; i++ {
		got, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "not-a-jwt", got)
	}
	require.Equal(t, 1, refreshes)
}

func TestRefreshingTokenSourcePropagatesRefreshError(t *testing.T) {
	wantErr := errors.New("refresh endpoint down")
	ts := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		return "", wantErr
	})

	_, err := ts.Token(context.Background())
	require.ErrorIs(t, err, wantErr)
}
