// Package oauth implements the OAuth 2.1 authorization subsystem:
// dynamic client registration, the authorization code flow with PKCE,
// bearer token issuance and validation.
//
// All state lives in memory; tokens do not survive a restart and
// clients simply re-register.
package oauth

import (
	"errors"
	"time"
)

// OAuth-standard error codes returned in error responses.
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeInvalidClient      = "invalid_client"
	ErrCodeInvalidGrant       = "invalid_grant"
	ErrCodeUnauthorizedClient = "unauthorized_client"
	ErrCodeAccessDenied       = "access_denied"
	ErrCodeUnsupportedGrant   = "unsupported_grant_type"
	ErrCodeInvalidMetadata    = "invalid_client_metadata"
)

// Sentinel errors for store lookups.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrGrantNotFound  = errors.New("grant not found")
	ErrGrantExpired   = errors.New("grant expired")
	ErrGrantConsumed  = errors.New("grant already consumed")
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
)

// Client is a registered OAuth client.
type Client struct {
	ID                      string    `json:"client_id"`
	Secret                  string    `json:"client_secret,omitempty"`
	Name                    string    `json:"client_name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"-"`
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// Grant is a single-use authorization code plus the parameters needed
// to validate the subsequent token exchange.
type Grant struct {
	Code          string
	ClientID      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Consumed      bool
}

// Expired reports whether the grant's lifetime has passed.
func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// Token is an issued bearer token.
type Token struct {
	Value     string
	ClientID  string
	GrantCode string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token's lifetime has passed.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RegistrationRequest is the dynamic client registration payload.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// RegistrationResponse echoes the accepted metadata with the minted
// client credentials.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// TokenResponse is the successful token endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// ErrorResponse is the OAuth-standard error payload.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Metadata is the discovery document served at
// /.well-known/oauth-authorization-server.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
}

// NewMetadata builds the discovery document for a public base URL.
func NewMetadata(baseURL string) Metadata {
	return Metadata{
		Issuer:                        baseURL,
		AuthorizationEndpoint:         baseURL + "/oauth/authorize",
		TokenEndpoint:                 baseURL + "/oauth/token",
		RegistrationEndpoint:          baseURL + "/oauth/register",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethods:      []string{"none", "client_secret_post"},
		ScopesSupported:               []string{ScopeCorpusRead},
	}
}
