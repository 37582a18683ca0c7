package install

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, tokenURL string, now func() time.Time) *OAuthProvider {
	t.Helper()

	provider, err := NewOAuthProvider(OAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "client-secret",
		StateSecret:  "state-secret",
		TokenURL:     tokenURL,
		Now:          now,
	})
	require.NoError(t, err)
	return provider
}

func TestNewOAuthProviderRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewOAuthProvider(OAuthConfig{ClientSecret: "s", StateSecret: "s"})
	require.Error(t, err)
	_, err = NewOAuthProvider(OAuthConfig{ClientID: "c", StateSecret: "s"})
	require.Error(t, err)
	_, err = NewOAuthProvider(OAuthConfig{ClientID: "c", ClientSecret: "s"})
	require.Error(t, err)
}

func TestGenerateInstallURL(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t, "", nil)
	raw, err := provider.GenerateInstallURL(context.Background(), URLOptions{
		Scopes:      []string{"chat:write", " commands ", ""},
		UserScopes:  []string{"users:read"},
		Metadata:    "team-hint",
		RedirectURI: "https://example.test/slack/oauth_redirect",
	})
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "slack.com", parsed.Host)

	query := parsed.Query()
	require.Equal(t, "client-1", query.Get("client_id"))
	require.Equal(t, "chat:write,commands", query.Get("scope"))
	require.Equal(t, "users:read", query.Get("user_scope"))
	require.Equal(t, "https://example.test/slack/oauth_redirect", query.Get("redirect_uri"))
	require.NotEmpty(t, query.Get("state"))

	claims, err := provider.parseState(query.Get("state"))
	require.NoError(t, err)
	require.Equal(t, "team-hint", claims.Metadata)
}

func TestHandleCallbackExchangesCode(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"access_token":"xoxb-1","scope":"chat:write,commands","bot_user_id":"U1","team":{"id":"T1","name":"Acme"},"enterprise":null,"authed_user":{"id":"U9"}}`)
	}))
	t.Cleanup(tokenServer.Close)

	provider := newTestProvider(t, tokenServer.URL, nil)
	installURL, err := provider.GenerateInstallURL(context.Background(), URLOptions{Metadata: "m"})
	require.NoError(t, err)
	parsed, err := url.Parse(installURL)
	require.NoError(t, err)

	installation, err := provider.HandleCallback(context.Background(), "code-1", parsed.Query().Get("state"))
	require.NoError(t, err)
	require.Equal(t, "code-1", gotForm.Get("code"))
	require.Equal(t, "client-secret", gotForm.Get("client_secret"))
	require.Equal(t, "T1", installation.TeamID)
	require.Equal(t, "Acme", installation.TeamName)
	require.Equal(t, "xoxb-1", installation.AccessToken)
	require.Equal(t, []string{"chat:write", "commands"}, installation.Scopes)
	require.Equal(t, "m", installation.Metadata)
	require.Empty(t, installation.EnterpriseID)
}

func TestHandleCallbackRejectsBadInput(t *testing.T) {
	t.Parallel()

	clock := time.Unix(1_700_000_000, 0)
	provider := newTestProvider(t, "http://127.0.0.1:0", func() time.Time { return clock })

	_, err := provider.HandleCallback(context.Background(), "", "state")
	require.ErrorIs(t, err, ErrMissingCode)

	_, err = provider.HandleCallback(context.Background(), "code", "")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = provider.HandleCallback(context.Background(), "code", "not-a-token")
	require.ErrorIs(t, err, ErrInvalidState)

	other := newTestProvider(t, "", func() time.Time { return clock })
	other.cfg.StateSecret = "different"
	foreign, err := other.issueState("")
	require.NoError(t, err)
	_, err = provider.HandleCallback(context.Background(), "code", foreign)
	require.ErrorIs(t, err, ErrInvalidState)

	expired, err := provider.issueState("")
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = provider.HandleCallback(context.Background(), "code", expired)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleCallbackPlatformError(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false,"error":"invalid_code"}`)
	}))
	t.Cleanup(tokenServer.Close)

	provider := newTestProvider(t, tokenServer.URL, nil)
	state, err := provider.issueState("")
	require.NoError(t, err)

	_, err = provider.HandleCallback(context.Background(), "code", state)
	var exchangeErr *ExchangeError
	require.True(t, errors.As(err, &exchangeErr))
	require.Equal(t, "invalid_code", exchangeErr.Code)
}

type stubProvider struct {
	url          string
	urlErr       error
	installation Installation
	callbackErr  error
	gotCode      string
	gotState     string
}

func (p *stubProvider) GenerateInstallURL(context.Context, URLOptions) (string, error) {
	return p.url, p.urlErr
}

func (p *stubProvider) HandleCallback(_ context.Context, code string, state string) (Installation, error) {
	p.gotCode, p.gotState = code, state
	return p.installation, p.callbackErr
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{url: "https://slack.com/oauth/v2/authorize?client_id=1&state=s", installation: Installation{TeamID: "T1"}}
	handler := NewHandler(provider, URLOptions{}, Paths{}, Callbacks{}, nil)
	router := chi.NewRouter()
	handler.Mount(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultInstallPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `href="https://slack.com/oauth/v2/authorize?client_id=1&amp;state=s"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultRedirectPath+"?code=abc&state=xyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Installation complete", rec.Body.String())
	require.Equal(t, "abc", provider.gotCode)
	require.Equal(t, "xyz", provider.gotState)
}

func TestHandlerDefaultFailureHidesDetail(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{callbackErr: errors.New("token endpoint said: secret-detail")}
	handler := NewHandler(provider, URLOptions{}, Paths{Redirect: "/oauth"}, Callbacks{}, nil)

	rec := httptest.NewRecorder()
	handler.ServeRedirect(rec, httptest.NewRequest(http.MethodGet, "/oauth?code=a&state=b", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, strings.Contains(rec.Body.String(), "secret-detail"))
}

func TestHandlerCallbacks(t *testing.T) {
	t.Parallel()

	var succeeded, failed bool
	callbacks := Callbacks{
		Success: func(w http.ResponseWriter, _ *http.Request, installation Installation) {
			succeeded = installation.TeamID == "T1"
			w.WriteHeader(http.StatusFound)
		},
		Failure: func(w http.ResponseWriter, _ *http.Request, err error) {
			failed = err != nil
			w.WriteHeader(http.StatusTeapot)
		},
	}

	ok := NewHandler(&stubProvider{installation: Installation{TeamID: "T1"}}, URLOptions{}, Paths{}, callbacks, nil)
	rec := httptest.NewRecorder()
	ok.ServeRedirect(rec, httptest.NewRequest(http.MethodGet, "/?code=a", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	require.True(t, succeeded)

	bad := NewHandler(&stubProvider{callbackErr: ErrInvalidState}, URLOptions{}, Paths{}, callbacks, nil)
	rec = httptest.NewRecorder()
	bad.ServeRedirect(rec, httptest.NewRequest(http.MethodGet, "/?code=a", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.True(t, failed)
}

func TestHandlerInstallURLFailure(t *testing.T) {
	t.Parallel()

	handler := NewHandler(&stubProvider{urlErr: errors.New("boom")}, URLOptions{}, Paths{}, Callbacks{}, nil)
	rec := httptest.NewRecorder()
	handler.ServeInstall(rec, httptest.NewRequest(http.MethodGet, DefaultInstallPath, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
