package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStoreRegister(t *testing.T) {
	store := NewClientStore()

	client, err := store.Register(&RegistrationRequest{
		ClientName:   "test client",
		RedirectURIs: []string{"http://localhost:3000/cb"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, client.ID)
	assert.Empty(t, client.Secret)
	assert.Equal(t, []string{"authorization_code"}, client.GrantTypes)
	assert.Equal(t, []string{"code"}, client.ResponseTypes)
	assert.Equal(t, "none", client.TokenEndpointAuthMethod)

	got, err := store.Get(client.ID)
	require.NoError(t, err)
	assert.Same(t, client, got)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestClientStoreConfidentialClientGetsSecret(t *testing.T) {
	store := NewClientStore()

	client, err := store.Register(&RegistrationRequest{
		ClientName:              "confidential",
		RedirectURIs:            []string{"http://localhost/cb"},
		TokenEndpointAuthMethod: "client_secret_post",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, client.Secret)
}

func TestClientStoreMintsUniqueIDs(t *testing.T) {
	store := NewClientStore()
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		client, err := store.Register(&RegistrationRequest{
			ClientName:   "c",
			RedirectURIs: []string{"http://localhost/cb"},
		})
		require.NoError(t, err)
		assert.False(t, seen[client.ID])
		seen[client.ID] = true
	}
}

func TestGrantStoreSingleUse(t *testing.T) {
	store := NewGrantStore(10 * time.Minute)

	grant, err := store.Issue("client-1", "http://localhost/cb", "corpus:read", "challenge")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Code)
	assert.False(t, grant.Consumed)

	consumed, err := store.Consume(grant.Code)
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)
	assert.Equal(t, "client-1", consumed.ClientID)

	replayed, err := store.Consume(grant.Code)
	assert.ErrorIs(t, err, ErrGrantConsumed)
	require.NotNil(t, replayed)
	assert.Equal(t, grant.Code, replayed.Code)
}

func TestGrantStoreExpiry(t *testing.T) {
	store := NewGrantStore(time.Minute)

	grant, err := store.Issue("client-1", "http://localhost/cb", "", "challenge")
	require.NoError(t, err)

	grant.ExpiresAt = time.Now().Add(-time.Second)
	_, err = store.Consume(grant.Code)
	assert.ErrorIs(t, err, ErrGrantExpired)

	// The expired grant is gone entirely now.
	_, err = store.Consume(grant.Code)
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestGrantStoreSweep(t *testing.T) {
	store := NewGrantStore(time.Minute)

	fresh, err := store.Issue("client-1", "http://localhost/cb", "", "c1")
	require.NoError(t, err)
	stale, err := store.Issue("client-1", "http://localhost/cb", "", "c2")
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Second)

	assert.Equal(t, 1, store.Sweep(time.Now()))
	assert.Equal(t, 1, store.Len())

	_, err = store.Consume(fresh.Code)
	assert.NoError(t, err)
}

func TestTokenStoreIssueAndValidate(t *testing.T) {
	store := NewTokenStore(time.Hour)

	token, err := store.Issue("client-1", "grant-code", "corpus:read")
	require.NoError(t, err)
	assert.NotEmpty(t, token.Value)

	got, err := store.Validate(token.Value)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "corpus:read", got.Scope)

	_, err = store.Validate("missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore(time.Hour)

	token, err := store.Issue("client-1", "grant-code", "")
	require.NoError(t, err)
	token.ExpiresAt = time.Now().Add(-time.Second)

	_, err = store.Validate(token.Value)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = store.Validate(token.Value)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenStoreRevokeByGrant(t *testing.T) {
	store := NewTokenStore(time.Hour)

	revoked, err := store.Issue("client-1", "grant-a", "")
	require.NoError(t, err)
	kept, err := store.Issue("client-1", "grant-b", "")
	require.NoError(t, err)

	assert.Equal(t, 1, store.RevokeByGrant("grant-a"))

	_, err = store.Validate(revoked.Value)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = store.Validate(kept.Value)
	assert.NoError(t, err)
}

func TestTokenStoreSweep(t *testing.T) {
	store := NewTokenStore(time.Hour)

	stale, err := store.Issue("client-1", "grant-a", "")
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Second)
	_, err = store.Issue("client-1", "grant-b", "")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Sweep(time.Now()))
	assert.Equal(t, 1, store.Len())
}

func TestRandomSecretIsURLSafe(t *testing.T) {
	s, err := randomSecret()
	require.NoError(t, err)
	assert.NotContains(t, s, "+")
	assert.NotContains(t, s, "/")
	assert.NotContains(t, s, "=")
	assert.GreaterOrEqual(t, len(s), 40)
}
