// Package account describes the CalDAV account the engine syncs against and
// builds the authenticated HTTP client for it.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/emersion/go-webdav"
	"golang.org/x/oauth2"
)

var (
	// ErrNoActiveAccount is returned when no account is selected.
	ErrNoActiveAccount = errors.New("account: no active account")

	// ErrNoActiveServer is returned when the active account has no server URL.
	ErrNoActiveServer = errors.New("account: active account has no server")
)

// CredentialKind selects how requests are authenticated.
type CredentialKind string

const (
	// Basic sends Username and Secret as HTTP basic auth (app passwords).
	Basic CredentialKind = "basic"
	// Bearer sends Secret as an OAuth2 bearer token.
	Bearer CredentialKind = "bearer"
)

// Account is one CalDAV login.
type Account struct {
	ID        string         `json:"id" yaml:"id"`
	ServerURL string         `json:"server_url" yaml:"server_url"`
	Username  string         `json:"username" yaml:"username"`
	Kind      CredentialKind `json:"credential_kind" yaml:"credential_kind"`
	Secret    string         `json:"-" yaml:"-"`
	Active    bool           `json:"active" yaml:"active"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

// Provider returns the account that sync operations should run against.
type Provider interface {
	ActiveAccount(ctx context.Context) (*Account, error)
}

// Validate checks if the Account has valid field values.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.ServerURL != "" {
		u, err := url.Parse(a.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server url must be http or https (got %q)", u.Scheme)
		}
	}
	switch a.Kind {
	case Basic:
		if a.Username == "" {
			return fmt.Errorf("username is required for basic credentials")
		}
	case Bearer:
	default:
		return fmt.Errorf("invalid credential kind %q", a.Kind)
	}
	return nil
}

// Resolve fetches the active account from p and checks that it names a
// server. Callers treat both sentinel errors as "nothing to do".
func Resolve(ctx context.Context, p Provider) (*Account, error) {
	a, err := p.ActiveAccount(ctx)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNoActiveAccount
	}
	if a.ServerURL == "" {
		return nil, ErrNoActiveServer
	}
	return a, nil
}

// IsUnavailable reports whether err means there is no account to sync.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoActiveAccount) || errors.Is(err, ErrNoActiveServer)
}

// HTTPClient wraps base so that every request carries the account's
// credentials. A nil base uses http.DefaultClient.
func (a *Account) HTTPClient(ctx context.Context, base *http.Client) webdav.HTTPClient {
	if base == nil {
		base = http.DefaultClient
	}
	switch a.Kind {
	case Bearer:
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: a.Secret,
			TokenType:   "Bearer",
		}))
	default:
		return webdav.HTTPClientWithBasicAuth(base, a.Username, a.Secret)
	}
}

// Static is a Provider that always returns the same account.
type Static struct {
	Account *Account
}

// ActiveAccount implements Provider.
func (s Static) ActiveAccount(context.Context) (*Account, error) {
	if s.Account == nil {
		return nil, ErrNoActiveAccount
	}
	return s.Account, nil
}
