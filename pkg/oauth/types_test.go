package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://mcp.example.com", "https://mcp.example.com"},
		{"https://mcp.example.com/", "https://mcp.example.com"},
		{"https://mcp.example.com/mcp", "https://mcp.example.com"},
		{"https://mcp.example.com/sse", "https://mcp.example.com"},
		{"https://mcp.example.com/tenant/a/mcp", "https://mcp.example.com/tenant/a"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeServerURL(tt.in), tt.in)
	}
}

func TestTokenExpiry(t *testing.T) {
	t.Run("no expiry never expires", func(t *testing.T) {
		token := &Token{AccessToken: "x"}
		assert.False(t, token.IsExpired())
	})

	t.Run("expired token", func(t *testing.T) {
		token := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Minute)}
		assert.True(t, token.IsExpired())
	})

	t.Run("expiring within margin", func(t *testing.T) {
		token := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(10 * time.Second)}
		assert.True(t, token.IsExpired(), "inside the default %v margin", DefaultExpiryMargin)
		assert.False(t, token.IsExpiredWithMargin(0))
	})

	t.Run("refresh threshold", func(t *testing.T) {
		token := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(2 * time.Minute)}
		assert.False(t, token.IsExpired())
		assert.True(t, token.IsExpiredWithMargin(TokenRefreshThreshold))
	})
}

func TestSetExpiresAtFromExpiresIn(t *testing.T) {
	token := &Token{AccessToken: "x", ExpiresIn: 3600}
	token.SetExpiresAtFromExpiresIn()
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 5*time.Second)

	// An already-set ExpiresAt is not recomputed.
	fixed := time.Now().Add(time.Minute)
	token2 := &Token{AccessToken: "x", ExpiresIn: 3600, ExpiresAt: fixed}
	token2.SetExpiresAtFromExpiresIn()
	assert.Equal(t, fixed, token2.ExpiresAt)
}

func TestTokenScopes(t *testing.T) {
	assert.Nil(t, (&Token{}).Scopes())
	assert.Equal(t, []string{"tools:read", "tools:write"}, (&Token{Scope: "tools:read tools:write"}).Scopes())
}

func TestSupportsPKCE(t *testing.T) {
	assert.True(t, (&Metadata{}).SupportsPKCE(), "unspecified assumes S256 per OAuth 2.1")
	assert.True(t, (&Metadata{CodeChallengeMethodsSupported: []string{"plain", "S256"}}).SupportsPKCE())
	assert.False(t, (&Metadata{CodeChallengeMethodsSupported: []string{"plain"}}).SupportsPKCE())

	assert.True(t, (&DiscoveryDocument{}).SupportsPKCE())
	assert.False(t, (&DiscoveryDocument{CodeChallengeMethodsSupported: []string{"plain"}}).SupportsPKCE())
}
