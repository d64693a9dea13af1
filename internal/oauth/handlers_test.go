package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

func newTestServer(t *testing.T, simplified bool) *Server {
	t.Helper()
	return NewServer("https://corpus.example", simplified, 10*time.Minute, time.Hour, zap.NewNop())
}

func doJSON(t *testing.T, handler echo.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(payload))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	require.NoError(t, handler(c))
	return rec
}

func doForm(t *testing.T, handler echo.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	require.NoError(t, handler(c))
	return rec
}

// register runs a registration and returns the minted client id.
func register(t *testing.T, s *Server, redirectURI string) string {
	t.Helper()
	rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", RegistrationRequest{
		ClientName:   "test client",
		RedirectURIs: []string{redirectURI},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)
	return resp.ClientID
}

func TestHandleMetadata(t *testing.T) {
	s := newTestServer(t, false)
	rec := doJSON(t, s.HandleMetadata, http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var md Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, "https://corpus.example", md.Issuer)
	assert.Equal(t, "https://corpus.example/oauth/authorize", md.AuthorizationEndpoint)
	assert.Equal(t, "https://corpus.example/oauth/token", md.TokenEndpoint)
	assert.Equal(t, "https://corpus.example/oauth/register", md.RegistrationEndpoint)
	assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
}

func TestHandleRegister(t *testing.T) {
	s := newTestServer(t, false)

	t.Run("loopback redirect accepted", func(t *testing.T) {
		rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", RegistrationRequest{
			ClientName:   "local dev",
			RedirectURIs: []string{"http://localhost:3000/cb"},
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("allow-listed host accepted", func(t *testing.T) {
		rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", RegistrationRequest{
			ClientName:   "assistant",
			RedirectURIs: []string{"https://claude.ai/api/mcp/auth_callback"},
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("subdomain of allow-listed host accepted", func(t *testing.T) {
		rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", RegistrationRequest{
			ClientName:   "assistant",
			RedirectURIs: []string{"https://app.cursor.sh/cb"},
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("client_secret_post gets a secret", func(t *testing.T) {
		rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", RegistrationRequest{
			ClientName:              "confidential",
			RedirectURIs:            []string{"http://localhost:3000/cb"},
			TokenEndpointAuthMethod: "client_secret_post",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp RegistrationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.ClientSecret)
	})

	t.Run("unverifiable auth method rejected", func(t *testing.T) {
		rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", RegistrationRequest{
			ClientName:              "basic auth client",
			RedirectURIs:            []string{"http://localhost:3000/cb"},
			TokenEndpointAuthMethod: "client_secret_basic",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, ErrCodeInvalidMetadata, resp.Error)
	})

	tests := []struct {
		name string
		req  RegistrationRequest
	}{
		{"missing redirect uris", RegistrationRequest{ClientName: "x"}},
		{"relative redirect", RegistrationRequest{ClientName: "x", RedirectURIs: []string{"/cb"}}},
		{"unknown host", RegistrationRequest{ClientName: "x", RedirectURIs: []string{"https://evil.example/cb"}}},
		{"plain http on remote host", RegistrationRequest{ClientName: "x", RedirectURIs: []string{"http://claude.ai/cb"}}},
		{"suffix spoof", RegistrationRequest{ClientName: "x", RedirectURIs: []string{"https://notclaude.ai/cb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s.HandleRegister, http.MethodPost, "/oauth/register", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, ErrCodeInvalidRequest, resp.Error)
		})
	}
}

func TestAuthorizeAutoApprove(t *testing.T) {
	s := newTestServer(t, false)
	clientID := register(t, s, "https://claude.ai/cb")

	challenge := oauth2.S256ChallengeFromVerifier("verifier123")
	target := "/oauth/authorize?response_type=code&client_id=" + clientID +
		"&redirect_uri=" + url.QueryEscape("https://claude.ai/cb") +
		"&state=abc&code_challenge=" + challenge + "&code_challenge_method=S256"

	rec := doJSON(t, s.HandleAuthorize, http.MethodGet, target, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "claude.ai", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("code"))
	assert.Equal(t, "abc", loc.Query().Get("state"))
}

func TestAuthorizeConsentFlow(t *testing.T) {
	s := newTestServer(t, false)
	clientID := register(t, s, "http://localhost:3000/cb")

	challenge := oauth2.S256ChallengeFromVerifier("verifier123")
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"http://localhost:3000/cb"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	t.Run("loopback client sees consent page", func(t *testing.T) {
		rec := doJSON(t, s.HandleAuthorize, http.MethodGet, "/oauth/authorize?"+params.Encode(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "test client")
		assert.Contains(t, rec.Body.String(), `name="action"`)
	})

	t.Run("approval mints grant and redirects", func(t *testing.T) {
		form := url.Values{}
		for k, v := range params {
			form[k] = v
		}
		form.Set("action", "approve")

		rec := doForm(t, s.HandleConsent, "/oauth/consent", form)
		require.Equal(t, http.StatusFound, rec.Code)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.NotEmpty(t, loc.Query().Get("code"))
		assert.Equal(t, "xyz", loc.Query().Get("state"))
	})

	t.Run("denial redirects with access_denied", func(t *testing.T) {
		form := url.Values{}
		for k, v := range params {
			form[k] = v
		}
		form.Set("action", "deny")

		rec := doForm(t, s.HandleConsent, "/oauth/consent", form)
		require.Equal(t, http.StatusFound, rec.Code)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, ErrCodeAccessDenied, loc.Query().Get("error"))
		assert.Equal(t, "xyz", loc.Query().Get("state"))
		assert.Empty(t, loc.Query().Get("code"))
	})
}

func TestAuthorizeValidation(t *testing.T) {
	s := newTestServer(t, false)
	clientID := register(t, s, "https://claude.ai/cb")
	challenge := oauth2.S256ChallengeFromVerifier("v")

	tests := []struct {
		name   string
		params url.Values
		errIs  string
	}{
		{
			"wrong response type",
			url.Values{"response_type": {"token"}, "client_id": {clientID}},
			ErrCodeInvalidRequest,
		},
		{
			"unknown client",
			url.Values{"response_type": {"code"}, "client_id": {"nope"}},
			ErrCodeInvalidClient,
		},
		{
			"unregistered redirect",
			url.Values{"response_type": {"code"}, "client_id": {clientID}, "redirect_uri": {"https://claude.ai/other"}},
			ErrCodeInvalidRequest,
		},
		{
			"missing challenge",
			url.Values{"response_type": {"code"}, "client_id": {clientID}, "redirect_uri": {"https://claude.ai/cb"}},
			ErrCodeInvalidRequest,
		},
		{
			"plain challenge method",
			url.Values{"response_type": {"code"}, "client_id": {clientID}, "redirect_uri": {"https://claude.ai/cb"}, "code_challenge": {challenge}, "code_challenge_method": {"plain"}},
			ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s.HandleAuthorize, http.MethodGet, "/oauth/authorize?"+tt.params.Encode(), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.errIs, resp.Error)
		})
	}
}

// TestPKCERoundTrip walks the full authorization code flow: register,
// authorize, exchange, then replay the code.
func TestPKCERoundTrip(t *testing.T) {
	s := newTestServer(t, false)
	clientID := register(t, s, "https://claude.ai/cb")

	const verifier = "verifier123verifier123verifier123verifier123"
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	authTarget := "/oauth/authorize?response_type=code&client_id=" + clientID +
		"&redirect_uri=" + url.QueryEscape("https://claude.ai/cb") +
		"&state=abc&code_challenge=" + challenge + "&code_challenge_method=S256"
	rec := doJSON(t, s.HandleAuthorize, http.MethodGet, authTarget, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	require.Equal(t, "abc", loc.Query().Get("state"))

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://claude.ai/cb"},
		"client_id":     {clientID},
		"code_verifier": {verifier},
	}

	rec = doForm(t, s.HandleToken, "/oauth/token", form)
	require.Equal(t, http.StatusOK, rec.Code)

	var token TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, int64(3600), token.ExpiresIn)

	// The minted token validates.
	_, err = s.tokens.Validate(token.AccessToken)
	require.NoError(t, err)

	// A second exchange with the same code fails and revokes the token.
	rec = doForm(t, s.HandleToken, "/oauth/token", form)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var oauthErr ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oauthErr))
	assert.Equal(t, ErrCodeInvalidGrant, oauthErr.Error)

	_, err = s.tokens.Validate(token.AccessToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenValidation(t *testing.T) {
	s := newTestServer(t, false)
	clientID := register(t, s, "https://claude.ai/cb")
	otherID := register(t, s, "https://claude.ai/cb")

	const verifier = "verifier123verifier123verifier123verifier123"
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	issue := func(t *testing.T) string {
		t.Helper()
		grant, err := s.grants.Issue(clientID, "https://claude.ai/cb", "", challenge)
		require.NoError(t, err)
		return grant.Code
	}

	base := func(code string) url.Values {
		return url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {"https://claude.ai/cb"},
			"client_id":     {clientID},
			"code_verifier": {verifier},
		}
	}

	t.Run("wrong grant type", func(t *testing.T) {
		form := base(issue(t))
		form.Set("grant_type", "client_credentials")
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeUnsupportedGrant)
	})

	t.Run("unknown client", func(t *testing.T) {
		form := base(issue(t))
		form.Set("client_id", "nope")
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeInvalidClient)
	})

	t.Run("unknown code", func(t *testing.T) {
		form := base("no-such-code")
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeInvalidGrant)
	})

	t.Run("client mismatch", func(t *testing.T) {
		form := base(issue(t))
		form.Set("client_id", otherID)
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeInvalidGrant)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		form := base(issue(t))
		form.Set("redirect_uri", "https://claude.ai/other")
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeInvalidGrant)
	})

	t.Run("wrong verifier", func(t *testing.T) {
		form := base(issue(t))
		form.Set("code_verifier", "not-the-verifier")
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "PKCE")
	})

	t.Run("confidential client secret verified", func(t *testing.T) {
		confidential, err := s.clients.Register(&RegistrationRequest{
			ClientName:              "confidential",
			RedirectURIs:            []string{"https://claude.ai/cb"},
			TokenEndpointAuthMethod: "client_secret_post",
		})
		require.NoError(t, err)
		require.NotEmpty(t, confidential.Secret)

		grant, err := s.grants.Issue(confidential.ID, "https://claude.ai/cb", "", challenge)
		require.NoError(t, err)

		form := base(grant.Code)
		form.Set("client_id", confidential.ID)

		// Missing secret fails before the code is consumed.
		rec := doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeInvalidClient)

		form.Set("client_secret", "wrong")
		rec = doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		form.Set("client_secret", confidential.Secret)
		rec = doForm(t, s.HandleToken, "/oauth/token", form)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired code", func(t *testing.T) {
		grant, err := s.grants.Issue(clientID, "https://claude.ai/cb", "", challenge)
		require.NoError(t, err)
		grant.ExpiresAt = time.Now().Add(-time.Second)

		rec := doForm(t, s.HandleToken, "/oauth/token", base(grant.Code))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeInvalidGrant)
	})
}

func TestStartAuth(t *testing.T) {
	t.Run("simplified mode on", func(t *testing.T) {
		s := newTestServer(t, true)
		rec := doJSON(t, s.HandleStartAuth, http.MethodGet, "/oauth/start-auth/some-client", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp["status"])
		assert.Equal(t, true, resp["auth_not_required"])
	})

	t.Run("simplified mode off", func(t *testing.T) {
		s := newTestServer(t, false)
		rec := doJSON(t, s.HandleStartAuth, http.MethodGet, "/oauth/start-auth/some-client", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleCallback(t *testing.T) {
	s := newTestServer(t, false)
	rec := doJSON(t, s.HandleCallback, http.MethodGet, "/oauth/callback?code=abc123&state=xyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "abc123")
	assert.Contains(t, body, "xyz")
	assert.Contains(t, body, "postMessage")
}

func TestRequireBearer(t *testing.T) {
	s := newTestServer(t, false)

	handler := s.RequireBearer()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	call := func(authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/messages?session_id=x", strings.NewReader("{}"))
		if authHeader != "" {
			req.Header.Set(echo.HeaderAuthorization, authHeader)
		}
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(req, rec)
		require.NoError(t, handler(c))
		return rec
	}

	t.Run("missing token", func(t *testing.T) {
		rec := call("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "/.well-known/oauth-authorization-server")
	})

	t.Run("unknown token", func(t *testing.T) {
		rec := call("Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := s.tokens.Issue("client-1", "grant-1", "")
		require.NoError(t, err)
		rec := call("Bearer " + token.Value)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("scoped token passes", func(t *testing.T) {
		token, err := s.tokens.Issue("client-1", "grant-1", ScopeCorpusRead)
		require.NoError(t, err)
		rec := call("Bearer " + token.Value)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("insufficient scope rejected", func(t *testing.T) {
		token, err := s.tokens.Issue("client-1", "grant-1", "corpus:admin")
		require.NoError(t, err)
		rec := call("Bearer " + token.Value)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "insufficient_scope")
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := s.tokens.Issue("client-1", "grant-1", "")
		require.NoError(t, err)
		token.ExpiresAt = time.Now().Add(-time.Second)
		rec := call("Bearer " + token.Value)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("simplified mode bypasses auth", func(t *testing.T) {
		simplified := newTestServer(t, true)
		h := simplified.RequireBearer()(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(req, rec)
		require.NoError(t, h(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
