package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/common/atomicfile"
	"github.com/getlantern/authflow/config"
)

// pendingMaxAge bounds how long a started sign-in can be completed.
const pendingMaxAge = 15 * time.Minute

var (
	ErrStateMismatch  = errors.New("sign-in state does not match the pending sign-in")
	ErrNoRefreshToken = errors.New("no refresh token")
)

// ProviderError is returned when the landing URL carries an error from the provider.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "identity provider error: " + e.Code
	}
	return fmt.Sprintf("identity provider error: %s: %s", e.Code, e.Description)
}

// Cancelled reports whether the user declined the consent screen.
func (e *ProviderError) Cancelled() bool {
	return e.Code == "access_denied"
}

type pendingSignIn struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"createdAt"`
}

// OAuth is a Provider for OAuth 2.0 / OpenID Connect providers using the authorization code flow
// with PKCE. The pending sign-in is kept in the data directory because the redirect usually lands in
// a different tab or process than the one that started it.
type OAuth struct {
	conf           *oauth2.Config
	calendarScopes []string
	pendingPath    string
	httpClient     *http.Client

	mu sync.Mutex
}

// NewOAuth returns an OAuth provider. calendarScopes are the scopes that, when granted at sign-in,
// mean the user has already given calendar access. httpClient may be nil.
func NewOAuth(cfg config.IdentityConfig, calendarScopes []string, dataDir string, httpClient *http.Client) *OAuth {
	return &OAuth{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		calendarScopes: calendarScopes,
		pendingPath:    filepath.Join(dataDir, app.PendingAuthFile),
		httpClient:     httpClient,
	}
}

func (o *OAuth) StartSignIn(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := pendingSignIn{
		State:     uuid.NewString(),
		Verifier:  oauth2.GenerateVerifier(),
		CreatedAt: time.Now(),
	}
	if err := atomicfile.WriteJSON(o.pendingPath, pending); err != nil {
		return "", fmt.Errorf("saving pending sign-in: %w", err)
	}
	authURL := o.conf.AuthCodeURL(pending.State,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(pending.Verifier),
	)
	slog.Debug("Prepared sign-in redirect", "provider", o.conf.Endpoint.AuthURL)
	return authURL, nil
}

func (o *OAuth) ConsumeRedirect(ctx context.Context, landing *url.URL) (Result, error) {
	if landing == nil {
		return NoRedirect{}, nil
	}
	query := landing.Query()

	o.mu.Lock()
	defer o.mu.Unlock()

	if query.Has("error") {
		o.forgetLocked()
		return nil, &ProviderError{Code: query.Get("error"), Description: query.Get("error_description")}
	}
	code := query.Get("code")
	if code == "" {
		return NoRedirect{}, nil
	}

	var pending pendingSignIn
	found, err := atomicfile.ReadJSON(o.pendingPath, &pending)
	if err != nil {
		return nil, fmt.Errorf("reading pending sign-in: %w", err)
	}
	if !found {
		// already consumed by another tab, or the code belongs to some other flow
		slog.Debug("Landing carries a code but no sign-in is pending")
		return NoRedirect{}, nil
	}
	// the pending sign-in is single use whatever happens next
	o.forgetLocked()

	if time.Since(pending.CreatedAt) > pendingMaxAge {
		return nil, fmt.Errorf("sign-in started at %s has expired", pending.CreatedAt.Format(time.RFC3339))
	}
	if query.Get("state") != pending.State {
		return nil, ErrStateMismatch
	}

	token, err := o.conf.Exchange(o.clientContext(ctx), code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging sign-in code: %w", err)
	}

	creds := credentialsFromToken(token)
	user, err := userFromIDToken(creds.IDToken)
	if err != nil {
		return nil, fmt.Errorf("reading identity token: %w", err)
	}
	scope, _ := token.Extra("scope").(string)
	return NewResult(user, creds, grantsAny(scope, o.calendarScopes)), nil
}

func (o *OAuth) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.RefreshToken == "" {
		return creds, ErrNoRefreshToken
	}
	src := o.conf.TokenSource(o.clientContext(ctx), &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		// force a refresh
		Expiry: time.Unix(1, 0),
	})
	token, err := src.Token()
	if err != nil {
		return creds, fmt.Errorf("refreshing credentials: %w", err)
	}
	fresh := credentialsFromToken(token)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	if fresh.IDToken == "" {
		fresh.IDToken = creds.IDToken
	}
	return fresh, nil
}

func (o *OAuth) Forget() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forgetLocked()
}

func (o *OAuth) forgetLocked() error {
	return atomicfile.Remove(o.pendingPath)
}

func (o *OAuth) clientContext(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

func credentialsFromToken(token *oauth2.Token) Credentials {
	idToken, _ := token.Extra("id_token").(string)
	return Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		Expiry:       token.Expiry,
	}
}

type idClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// userFromIDToken reads the identity claims. The token was received directly from the token
// endpoint over TLS, so its signature is not checked here.
func userFromIDToken(idToken string) (User, error) {
	if idToken == "" {
		return User{}, nil
	}
	claims := jwt.MapClaims{}
	token, _, err := new(jwt.Parser).ParseUnverified(idToken, &claims)
	if err != nil {
		return User{}, err
	}
	claimsJSON, err := json.Marshal(token.Claims)
	if err != nil {
		return User{}, fmt.Errorf("failed to marshal claims: %w", err)
	}
	var c idClaims
	if err := json.Unmarshal(claimsJSON, &c); err != nil {
		return User{}, fmt.Errorf("failed to unmarshal claims: %w", err)
	}
	name := c.Name
	if name == "" {
		name, _, _ = strings.Cut(c.Email, "@")
	}
	return User{ID: c.Subject, DisplayName: name, Email: c.Email}, nil
}

func grantsAny(scope string, wanted []string) bool {
	granted := strings.Fields(scope)
	for _, w := range wanted {
		for _, g := range granted {
			if g == w {
				return true
			}
		}
	}
	return false
}

// IsAuthError reports whether err means the credentials themselves were refused, as opposed to the
// provider being unreachable. Retrying an auth error does not help.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrStateMismatch) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return true
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.Response != nil && rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500
	}
	return false
}
