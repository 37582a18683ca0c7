// Package install serves the OAuth installation flow on behalf of a
// receiver. The token exchange itself is delegated to a Provider.
package install

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingCode  = errors.New("install: authorization code is required")
	ErrInvalidState = errors.New("install: state is invalid or expired")
)

// URLOptions describes the authorization URL to generate.
type URLOptions struct {
	Scopes      []string
	UserScopes  []string
	Metadata    string
	RedirectURI string
}

// Installation is the result of a completed authorization-code exchange.
type Installation struct {
	TeamID       string
	TeamName     string
	EnterpriseID string
	BotUserID    string
	AuthedUserID string
	AccessToken  string
	Scopes       []string
	Metadata     string
	InstalledAt  time.Time
}

// Provider generates install URLs and completes OAuth callbacks.
type Provider interface {
	GenerateInstallURL(ctx context.Context, opts URLOptions) (string, error)
	HandleCallback(ctx context.Context, code string, state string) (Installation, error)
}
