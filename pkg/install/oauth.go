package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"boltgate/pkg/ids"
	"boltgate/pkg/jsoncodec"
)

const (
	DefaultAuthorizeURL = "https://slack.com/oauth/v2/authorize"
	DefaultTokenURL     = "https://slack.com/api/oauth.v2.access"

	defaultStateTTL            = 10 * time.Minute
	defaultTokenRequestTimeout = 30 * time.Second
	maxTokenResponseBytes      = 1 << 20
	stateIssuer                = "boltgate"
)

// HTTPDoer sends token exchange requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OAuthConfig configures OAuthProvider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	StateSecret  string
	AuthorizeURL string
	TokenURL     string
	StateTTL     time.Duration
	HTTPClient   HTTPDoer
	Now          func() time.Time
}

// OAuthProvider implements Provider with OAuth v2 authorization codes and
// signed, expiring state tokens.
type OAuthProvider struct {
	cfg OAuthConfig
}

// ExchangeError reports a token endpoint rejection.
type ExchangeError struct {
	StatusCode int
	Code       string
}

func (e *ExchangeError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("install: token exchange failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("install: token exchange failed: %s", e.Code)
}

type stateClaims struct {
	Metadata string `json:"metadata,omitempty"`
	jwtlib.RegisteredClaims
}

type tokenResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	BotUserID   string `json:"bot_user_id"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	Enterprise *struct {
		ID string `json:"id"`
	} `json:"enterprise"`
	AuthedUser struct {
		ID string `json:"id"`
	} `json:"authed_user"`
}

// NewOAuthProvider validates cfg and fills defaults.
func NewOAuthProvider(cfg OAuthConfig) (*OAuthProvider, error) {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.ClientID == "" {
		return nil, errors.New("install: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("install: client secret is required")
	}
	if strings.TrimSpace(cfg.StateSecret) == "" {
		return nil, errors.New("install: state secret is required")
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTokenRequestTimeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &OAuthProvider{cfg: cfg}, nil
}

// GenerateInstallURL returns the authorization URL carrying a fresh state.
func (p *OAuthProvider) GenerateInstallURL(_ context.Context, opts URLOptions) (string, error) {
	state, err := p.issueState(opts.Metadata)
	if err != nil {
		return "", err
	}

	authURL, err := url.Parse(p.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("install: parse authorize url: %w", err)
	}

	values := authURL.Query()
	values.Set("client_id", p.cfg.ClientID)
	values.Set("state", state)
	if scopes := joinScopes(opts.Scopes); scopes != "" {
		values.Set("scope", scopes)
	}
	if userScopes := joinScopes(opts.UserScopes); userScopes != "" {
		values.Set("user_scope", userScopes)
	}
	if redirect := strings.TrimSpace(opts.RedirectURI); redirect != "" {
		values.Set("redirect_uri", redirect)
	}
	authURL.RawQuery = values.Encode()

	return authURL.String(), nil
}

// HandleCallback verifies state and exchanges code for an installation.
func (p *OAuthProvider) HandleCallback(ctx context.Context, code string, state string) (Installation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Installation{}, ErrMissingCode
	}

	claims, err := p.parseState(state)
	if err != nil {
		return Installation{}, err
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Installation{}, fmt.Errorf("install: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return Installation{}, fmt.Errorf("install: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return Installation{}, fmt.Errorf("install: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Installation{}, &ExchangeError{StatusCode: resp.StatusCode}
	}

	var payload tokenResponse
	if err := jsoncodec.Unmarshal(body, &payload); err != nil {
		return Installation{}, fmt.Errorf("install: decode token response: %w", err)
	}
	if !payload.OK {
		return Installation{}, &ExchangeError{StatusCode: resp.StatusCode, Code: payload.Error}
	}

	installation := Installation{
		TeamID:       payload.Team.ID,
		TeamName:     payload.Team.Name,
		BotUserID:    payload.BotUserID,
		AuthedUserID: payload.AuthedUser.ID,
		AccessToken:  payload.AccessToken,
		Scopes:       splitScopes(payload.Scope),
		Metadata:     claims.Metadata,
		InstalledAt:  p.cfg.Now().UTC(),
	}
	if payload.Enterprise != nil {
		installation.EnterpriseID = payload.Enterprise.ID
	}

	return installation, nil
}

func (p *OAuthProvider) issueState(metadata string) (string, error) {
	now := p.cfg.Now()
	claims := stateClaims{
		Metadata: metadata,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        ids.NewEventID(),
			Issuer:    stateIssuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(p.cfg.StateTTL)),
		},
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(p.cfg.StateSecret))
	if err != nil {
		return "", fmt.Errorf("install: sign state: %w", err)
	}
	return signed, nil
}

func (p *OAuthProvider) parseState(state string) (*stateClaims, error) {
	if strings.TrimSpace(state) == "" {
		return nil, ErrInvalidState
	}

	claims := &stateClaims{}
	_, err := jwtlib.ParseWithClaims(state, claims, func(*jwtlib.Token) (any, error) {
		return []byte(p.cfg.StateSecret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(stateIssuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(p.cfg.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	return claims, nil
}

func joinScopes(scopes []string) string {
	clean := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	return strings.Join(clean, ",")
}

func splitScopes(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
