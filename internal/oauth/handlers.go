package oauth

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// allowedRedirectHosts are the assistant callback hosts accepted for
// non-loopback redirect URIs. Subdomains are accepted.
var allowedRedirectHosts = []string{
	"claude.ai",
	"claude.com",
	"chatgpt.com",
	"openai.com",
	"cursor.sh",
	"windsurf.com",
}

// Server bundles the stores with the HTTP handlers of the
// authorization endpoints.
type Server struct {
	clients  *ClientStore
	grants   *GrantStore
	tokens   *TokenStore
	metadata Metadata

	simplified bool
	logger     *zap.Logger
}

// NewServer creates the authorization subsystem.
func NewServer(baseURL string, simplified bool, grantTTL, tokenTTL time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		clients:    NewClientStore(),
		grants:     NewGrantStore(grantTTL),
		tokens:     NewTokenStore(tokenTTL),
		metadata:   NewMetadata(baseURL),
		simplified: simplified,
		logger:     logger,
	}
}

// Simplified reports whether the no-interaction mode is enabled.
func (s *Server) Simplified() bool {
	return s.simplified
}

// Metadata returns the discovery document.
func (s *Server) Metadata() Metadata {
	return s.metadata
}

// Tokens exposes the token store for the bearer middleware.
func (s *Server) Tokens() *TokenStore {
	return s.tokens
}

// HandleMetadata serves the OAuth discovery document.
func (s *Server) HandleMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metadata)
}

// HandleRegister implements dynamic client registration.
func (s *Server) HandleRegister(c echo.Context) error {
	var req RegistrationRequest
	if err := c.Bind(&req); err != nil {
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed registration request")
	}
	if len(req.RedirectURIs) == 0 {
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		}
	}

	// Only the auth methods the token endpoint verifies are accepted;
	// a client registered with an unverifiable method would hold a
	// secret that is never checked.
	switch req.TokenEndpointAuthMethod {
	case "", "none", "client_secret_post":
	default:
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidMetadata,
			"token_endpoint_auth_method must be none or client_secret_post")
	}

	client, err := s.clients.Register(&req)
	if err != nil {
		s.logger.Error("client registration failed", zap.Error(err))
		return oauthError(c, http.StatusInternalServerError, ErrCodeInvalidRequest, "registration failed")
	}

	s.logger.Info("client registered",
		zap.String("client_id", client.ID),
		zap.String("client_name", client.Name),
		zap.Strings("redirect_uris", client.RedirectURIs),
	)

	return c.JSON(http.StatusCreated, RegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            client.Secret,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// validateRedirectURI accepts absolute URIs pointing at loopback or at
// an allow-listed assistant callback host.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errInvalidRedirect(raw, "must be an absolute URL")
	}

	host := u.Hostname()
	if isLoopback(host) {
		return nil
	}
	if u.Scheme != "https" {
		return errInvalidRedirect(raw, "non-loopback redirects must use https")
	}
	for _, allowed := range allowedRedirectHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return errInvalidRedirect(raw, "host is not an allowed callback host")
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

type redirectError struct {
	uri    string
	reason string
}

func errInvalidRedirect(uri, reason string) error {
	return &redirectError{uri: uri, reason: reason}
}

func (e *redirectError) Error() string {
	return "redirect_uri " + e.uri + ": " + e.reason
}

// authorizeRequest carries the validated authorize parameters through
// the consent flow.
type authorizeRequest struct {
	Client        *Client
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
}

// HandleAuthorize implements the authorize endpoint.
//
// Auto-approved clients are redirected immediately with a fresh code;
// everyone else gets the consent page.
func (s *Server) HandleAuthorize(c echo.Context) error {
	req, err := s.parseAuthorize(c)
	if req == nil {
		return err
	}

	if s.autoApproved(req) {
		return s.approve(c, req)
	}
	return s.renderConsent(c, req)
}

// HandleConsent processes the consent form decision.
func (s *Server) HandleConsent(c echo.Context) error {
	req, err := s.parseAuthorize(c)
	if req == nil {
		return err
	}

	if c.FormValue("action") != "approve" {
		s.logger.Info("authorization denied by user",
			zap.String("client_id", req.Client.ID),
		)
		return redirectWithError(c, req.RedirectURI, ErrCodeAccessDenied, req.State)
	}
	return s.approve(c, req)
}

// parseAuthorize validates the authorize parameters shared by the GET
// endpoint and the consent form.
func (s *Server) parseAuthorize(c echo.Context) (*authorizeRequest, error) {
	if rt := formOrQuery(c, "response_type"); rt != "code" {
		return nil, oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "response_type must be code")
	}

	client, err := s.clients.Get(formOrQuery(c, "client_id"))
	if err != nil {
		return nil, oauthError(c, http.StatusBadRequest, ErrCodeInvalidClient, "unknown client")
	}

	redirectURI := formOrQuery(c, "redirect_uri")
	if !client.HasRedirectURI(redirectURI) {
		// Never redirect to an unregistered URI.
		return nil, oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "redirect_uri is not registered")
	}

	challenge := formOrQuery(c, "code_challenge")
	if challenge == "" {
		return nil, oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "code_challenge is required")
	}
	if method := formOrQuery(c, "code_challenge_method"); method != "S256" {
		return nil, oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "code_challenge_method must be S256")
	}

	return &authorizeRequest{
		Client:        client,
		RedirectURI:   redirectURI,
		Scope:         formOrQuery(c, "scope"),
		State:         formOrQuery(c, "state"),
		CodeChallenge: challenge,
	}, nil
}

// autoApproved reports whether the consent page may be skipped: any
// client whose redirect target is an allow-listed assistant host.
func (s *Server) autoApproved(req *authorizeRequest) bool {
	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, allowed := range allowedRedirectHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// approve mints a grant and redirects back to the client.
func (s *Server) approve(c echo.Context, req *authorizeRequest) error {
	grant, err := s.grants.Issue(req.Client.ID, req.RedirectURI, req.Scope, req.CodeChallenge)
	if err != nil {
		s.logger.Error("grant issuance failed", zap.Error(err))
		return oauthError(c, http.StatusInternalServerError, ErrCodeInvalidRequest, "authorization failed")
	}

	s.logger.Info("grant issued",
		zap.String("client_id", req.Client.ID),
		zap.Time("expires_at", grant.ExpiresAt),
	)

	target, _ := url.Parse(req.RedirectURI)
	q := target.Query()
	q.Set("code", grant.Code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// redirectWithError bounces back to the client with an OAuth error code.
func redirectWithError(c echo.Context, redirectURI, code, state string) error {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid redirect_uri")
	}
	q := target.Query()
	q.Set("error", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// HandleToken implements the token endpoint.
func (s *Server) HandleToken(c echo.Context) error {
	if gt := c.FormValue("grant_type"); gt != "authorization_code" {
		return oauthError(c, http.StatusBadRequest, ErrCodeUnsupportedGrant, "grant_type must be authorization_code")
	}

	client, err := s.clients.Get(c.FormValue("client_id"))
	if err != nil {
		return oauthError(c, http.StatusUnauthorized, ErrCodeInvalidClient, "unknown client")
	}
	if client.TokenEndpointAuthMethod == "client_secret_post" && c.FormValue("client_secret") != client.Secret {
		return oauthError(c, http.StatusUnauthorized, ErrCodeInvalidClient, "client authentication failed")
	}

	code := c.FormValue("code")
	grant, err := s.grants.Consume(code)
	switch {
	case err == nil:
	case grant != nil && grant.Consumed:
		// Code replay. Revoke everything minted from it.
		revoked := s.tokens.RevokeByGrant(code)
		s.logger.Warn("authorization code reuse detected",
			zap.String("client_id", grant.ClientID),
			zap.Int("tokens_revoked", revoked),
		)
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidGrant, "authorization code already used")
	default:
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidGrant, "invalid or expired authorization code")
	}

	if grant.ClientID != client.ID {
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidGrant, "code was issued to another client")
	}
	if c.FormValue("redirect_uri") != grant.RedirectURI {
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidGrant, "redirect_uri mismatch")
	}

	verifier := c.FormValue("code_verifier")
	if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != grant.CodeChallenge {
		return oauthError(c, http.StatusBadRequest, ErrCodeInvalidGrant, "PKCE verification failed")
	}

	token, err := s.tokens.Issue(client.ID, grant.Code, grant.Scope)
	if err != nil {
		s.logger.Error("token issuance failed", zap.Error(err))
		return oauthError(c, http.StatusInternalServerError, ErrCodeInvalidRequest, "token issuance failed")
	}

	s.logger.Info("token issued",
		zap.String("client_id", client.ID),
		zap.Time("expires_at", token.ExpiresAt),
	)

	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokens.TTL().Seconds()),
		Scope:       token.Scope,
	})
}

// HandleStartAuth implements the simplified-mode probe.
//
// When the policy flag is on, whitelisted clients skip the interactive
// flow entirely and connect without a bearer token.
func (s *Server) HandleStartAuth(c echo.Context) error {
	if !s.simplified {
		return oauthError(c, http.StatusNotFound, ErrCodeInvalidRequest, "interactive authorization required")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":            "success",
		"auth_not_required": true,
	})
}

// HandleCallback serves the bounce page that hands the auth result to
// an embedding window.
func (s *Server) HandleCallback(c echo.Context) error {
	data := map[string]string{
		"Code":  c.QueryParam("code"),
		"State": c.QueryParam("state"),
		"Error": c.QueryParam("error"),
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return callbackTemplate.Execute(c.Response(), data)
}

// ConsentData feeds the consent page template.
type ConsentData struct {
	ClientName    string
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
}

func (s *Server) renderConsent(c echo.Context, req *authorizeRequest) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return consentTemplate.Execute(c.Response(), ConsentData{
		ClientName:    req.Client.Name,
		ClientID:      req.Client.ID,
		RedirectURI:   req.RedirectURI,
		Scope:         req.Scope,
		State:         req.State,
		CodeChallenge: req.CodeChallenge,
	})
}

// oauthError writes the OAuth-standard error payload.
func oauthError(c echo.Context, status int, code, description string) error {
	return c.JSON(status, ErrorResponse{Error: code, ErrorDescription: description})
}

// formOrQuery reads a parameter from the form body or the query string.
func formOrQuery(c echo.Context, name string) string {
	if v := c.FormValue(name); v != "" {
		return v
	}
	return c.QueryParam(name)
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize access</title></head>
<body>
<h1>Authorize {{.ClientName}}</h1>
<p>{{.ClientName}} is requesting read access to the knowledge corpus.</p>
<form method="POST" action="/oauth/consent">
  <input type="hidden" name="response_type" value="code">
  <input type="hidden" name="client_id" value="{{.ClientID}}">
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
  <input type="hidden" name="scope" value="{{.Scope}}">
  <input type="hidden" name="state" value="{{.State}}">
  <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
  <input type="hidden" name="code_challenge_method" value="S256">
  <button type="submit" name="action" value="approve">Approve</button>
  <button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>
`))

var callbackTemplate = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<p>Authorization complete. You can close this window.</p>
<script>
(function() {
  var result = {
    type: "oauth_result",
    code: {{.Code}},
    state: {{.State}},
    error: {{.Error}}
  };
  if (window.opener) {
    window.opener.postMessage(result, "*");
  }
  window.close();
})();
</script>
</body>
</html>
`))
