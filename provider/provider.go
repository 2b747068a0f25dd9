// Package provider adapts the identity provider to the sign-in flow. A provider starts a sign-in
// redirect, turns the landing URL of that redirect into a Result, and refreshes credentials.
package provider

import (
	"context"
	"net/url"
	"time"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// ExpiresWithin reports whether the access token expires within d. Credentials without an expiry
// never expire.
func (c Credentials) ExpiresWithin(d time.Duration) bool {
	return !c.Expiry.IsZero() && time.Until(c.Expiry) <= d
}

// Result is the outcome of resolving a sign-in redirect. It is one of NoRedirect, SignedIn or
// Incomplete.
type Result interface {
	isResult()
}

// NoRedirect means the landing URL carried nothing to resolve.
type NoRedirect struct{}

// SignedIn carries a complete identity.
type SignedIn struct {
	User              User
	Credentials       Credentials
	HasCalendarAccess bool
}

// Incomplete means the provider answered but required fields were missing.
type Incomplete struct {
	Missing []string
}

func (NoRedirect) isResult() {}
func (SignedIn) isResult()   {}
func (Incomplete) isResult() {}

// NewResult returns SignedIn when user and creds carry every required field and Incomplete
// otherwise.
func NewResult(user User, creds Credentials, hasCalendarAccess bool) Result {
	var missing []string
	if user.ID == "" {
		missing = append(missing, "user.id")
	}
	if user.Email == "" {
		missing = append(missing, "user.email")
	}
	if creds.AccessToken == "" {
		missing = append(missing, "credentials.accessToken")
	}
	if len(missing) > 0 {
		return Incomplete{Missing: missing}
	}
	return SignedIn{User: user, Credentials: creds, HasCalendarAccess: hasCalendarAccess}
}

// Provider is the identity provider used by the session store.
type Provider interface {
	// StartSignIn prepares a sign-in redirect and returns the URL the user must be sent to.
	StartSignIn(ctx context.Context) (string, error)
	// ConsumeRedirect resolves the landing URL of a sign-in redirect. A landing URL is consumed at
	// most once.
	ConsumeRedirect(ctx context.Context, landing *url.URL) (Result, error)
	// Refresh exchanges the refresh token in creds for fresh credentials.
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
	// Forget drops any sign-in in progress.
	Forget() error
}
