package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice@example.org",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("not-a-real-key"))
	require.NoError(t, err)
	return s
}

func newTestProvider(token *string) *Provider {
	p := NewProvider(func(ctx context.Context, username string) (string, error) {
		return *token, nil
	})
	p.now = func() time.Time { return testNow }
	return p
}

func TestProvider_Token(t *testing.T) {
	token := signedToken(t, testNow.Add(time.Hour))
	p := newTestProvider(&token)

	got, err := p.Token(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, token, got)

	token = signedToken(t, testNow.Add(10*time.Second))
	_, err = p.Token(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrTokenExpired)

	token = "opaque-token"
	got, err = p.Token(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", got)

	token = ""
	_, err = p.Token(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestProvider_Invalidate(t *testing.T) {
	token := "first"
	p := newTestProvider(&token)

	p.Invalidate("alice")
	_, err := p.Token(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrTokenRejected)

	// Other users are not affected
	_, err = p.Token(context.Background(), "bob")
	assert.NoError(t, err)

	token = "second"
	got, err := p.Token(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestEnvSource(t *testing.T) {
	t.Setenv("IMAPPUSHD_TEST_TOKEN", "from-env")
	got, err := EnvSource("IMAPPUSHD_TEST_TOKEN")(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}
