// Package oauth provides XOAUTH2 bearer tokens to IMAP connections.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emersion/go-imappush/imapclient"
)

var (
	// ErrNoToken is returned when the source has no token for a user.
	ErrNoToken = errors.New("oauth: no token available")
	// ErrTokenExpired is returned for JWT tokens past their expiry.
	ErrTokenExpired = errors.New("oauth: token expired")
	// ErrTokenRejected is returned when the source still hands out a token
	// the server rejected.
	ErrTokenRejected = errors.New("oauth: token was rejected by the server")
)

// Source returns the current token of a user.
type Source func(ctx context.Context, username string) (string, error)

// EnvSource reads the token from an environment variable.
func EnvSource(name string) Source {
	return func(ctx context.Context, username string) (string, error) {
		return os.Getenv(name), nil
	}
}

// Provider implements imapclient.TokenProvider on top of a Source.
//
// Tokens are read from the source on every call. JWT tokens are inspected
// for their expiry without verifying the signature; opaque tokens are passed
// through as is.
type Provider struct {
	source Source
	leeway time.Duration
	now    func() time.Time

	mu       sync.Mutex
	rejected map[string]string
}

var _ imapclient.TokenProvider = (*Provider)(nil)

// NewProvider creates a provider.
func NewProvider(source Source) *Provider {
	return &Provider{
		source:   source,
		leeway:   30 * time.Second,
		now:      time.Now,
		rejected: make(map[string]string),
	}
}

// Token returns a token for username.
func (p *Provider) Token(ctx context.Context, username string) (string, error) {
	token, err := p.source(ctx, username)
	if err != nil {
		return "", fmt.Errorf("oauth: failed to get token for %v: %w", username, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w for %v", ErrNoToken, username)
	}

	p.mu.Lock()
	rejected := p.rejected[username] == token
	p.mu.Unlock()
	if rejected {
		return "", fmt.Errorf("%w: %v", ErrTokenRejected, username)
	}

	if exp, ok := expiry(token); ok && !p.now().Add(p.leeway).Before(exp) {
		return "", fmt.Errorf("%w at %v", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return token, nil
}

// Invalidate marks the current token of username as rejected. The next call
// to Token fails until the source provides a different token.
func (p *Provider) Invalidate(username string) {
	token, err := p.source(context.Background(), username)
	if err != nil || token == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[username] = token
}

// expiry returns the exp claim of a JWT.
func expiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
