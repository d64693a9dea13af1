package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// secretBytes is the entropy of minted codes, tokens and secrets.
const secretBytes = 32

// randomSecret mints an opaque URL-safe secret.
func randomSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ClientStore holds registered clients.
type ClientStore struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientStore creates an empty client store.
func NewClientStore() *ClientStore {
	return &ClientStore{clients: make(map[string]*Client)}
}

// Register mints a client id (and a secret for confidential auth
// methods) and stores the client.
func (s *ClientStore) Register(req *RegistrationRequest) (*Client, error) {
	client := &Client{
		ID:                      uuid.New().String(),
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		CreatedAt:               time.Now(),
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{"authorization_code"}
	}
	if len(client.ResponseTypes) == 0 {
		client.ResponseTypes = []string{"code"}
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = "none"
	}

	if client.TokenEndpointAuthMethod != "none" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		client.Secret = secret
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
	return client, nil
}

// Get returns a client by id.
func (s *ClientStore) Get(id string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// Len returns the number of registered clients.
func (s *ClientStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// GrantStore holds pending authorization codes.
//
// Issuance and consumption for one client are serialized by the store
// mutex, so a code can never be exchanged twice.
type GrantStore struct {
	mu     sync.Mutex
	grants map[string]*Grant
	ttl    time.Duration
}

// NewGrantStore creates a grant store with the given code lifetime.
func NewGrantStore(ttl time.Duration) *GrantStore {
	return &GrantStore{grants: make(map[string]*Grant), ttl: ttl}
}

// Issue mints a single-use authorization code bound to the exchange
// parameters.
func (s *GrantStore) Issue(clientID, redirectURI, scope, codeChallenge string) (*Grant, error) {
	code, err := randomSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	grant := &Grant{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		CodeChallenge: codeChallenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	s.mu.Lock()
	s.grants[code] = grant
	s.mu.Unlock()
	return grant, nil
}

// Consume atomically looks up and marks a grant used.
//
// A consumed or expired code returns an error; reuse of a consumed code
// is the caller's cue to revoke tokens minted from it.
func (s *GrantStore) Consume(code string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok {
		return nil, ErrGrantNotFound
	}
	if grant.Consumed {
		return grant, ErrGrantConsumed
	}
	if grant.Expired(time.Now()) {
		delete(s.grants, code)
		return nil, ErrGrantExpired
	}

	grant.Consumed = true
	return grant, nil
}

// Sweep removes expired grants.
func (s *GrantStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, grant := range s.grants {
		if grant.Expired(now) {
			delete(s.grants, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored grants.
func (s *GrantStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// TokenStore holds issued bearer tokens.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
	ttl    time.Duration
}

// NewTokenStore creates a token store with the given token lifetime.
func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{tokens: make(map[string]*Token), ttl: ttl}
}

// Issue mints a bearer token for a consumed grant.
func (s *TokenStore) Issue(clientID, grantCode, scope string) (*Token, error) {
	value, err := randomSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	token := &Token{
		Value:     value,
		ClientID:  clientID,
		GrantCode: grantCode,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.tokens[value] = token
	s.mu.Unlock()
	return token, nil
}

// TTL returns the configured token lifetime.
func (s *TokenStore) TTL() time.Duration {
	return s.ttl
}

// Validate returns the token when it exists and is unexpired.
func (s *TokenStore) Validate(value string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if token.Expired(time.Now()) {
		delete(s.tokens, value)
		return nil, ErrTokenExpired
	}
	return token, nil
}

// RevokeByGrant removes all tokens minted from a grant code.
//
// Called when a consumed code is presented again, per the code-reuse
// rule of the authorization code flow.
func (s *TokenStore) RevokeByGrant(grantCode string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for value, token := range s.tokens {
		if token.GrantCode == grantCode {
			delete(s.tokens, value)
			revoked++
		}
	}
	return revoked
}

// Sweep removes expired tokens.
func (s *TokenStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, value)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
