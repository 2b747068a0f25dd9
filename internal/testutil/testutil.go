// Package testutil provides fakes of the identity provider and the backend for tests.
package testutil

import (
	"context"
	"net/url"
	"sync"

	"github.com/getlantern/authflow/api"
	"github.com/getlantern/authflow/provider"
)

// FakeProvider is a provider.Provider whose answers are set by the test.
type FakeProvider struct {
	mu sync.Mutex

	AuthURL    string
	StartErr   error
	Result     provider.Result
	ConsumeErr error
	// RefreshFunc, when set, answers Refresh.
	RefreshFunc func(ctx context.Context, creds provider.Credentials) (provider.Credentials, error)

	started   int
	consumed  []*url.URL
	forgotten int
}

func (f *FakeProvider) StartSignIn(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.StartErr != nil {
		return "", f.StartErr
	}
	if f.AuthURL == "" {
		return "https://accounts.example.com/authorize?state=fake", nil
	}
	return f.AuthURL, nil
}

func (f *FakeProvider) ConsumeRedirect(ctx context.Context, landing *url.URL) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, landing)
	if f.ConsumeErr != nil {
		return nil, f.ConsumeErr
	}
	if f.Result == nil {
		return provider.NoRedirect{}, nil
	}
	return f.Result, nil
}

func (f *FakeProvider) Refresh(ctx context.Context, creds provider.Credentials) (provider.Credentials, error) {
	f.mu.Lock()
	fn := f.RefreshFunc
	f.mu.Unlock()
	if fn == nil {
		return creds, provider.ErrNoRefreshToken
	}
	return fn(ctx, creds)
}

func (f *FakeProvider) Forget() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten++
	return nil
}

// SetResult changes the answer of ConsumeRedirect.
func (f *FakeProvider) SetResult(res provider.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Result, f.ConsumeErr = res, err
}

func (f *FakeProvider) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Consumed returns every landing URL passed to ConsumeRedirect.
func (f *FakeProvider) Consumed() []*url.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*url.URL(nil), f.consumed...)
}

func (f *FakeProvider) Forgotten() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forgotten
}

// FakeExchanger is a session.CalendarExchanger recording the codes it receives.
type FakeExchanger struct {
	mu sync.Mutex

	Grant *api.CalendarGrant
	Err   error
	// Block, when set, is received from before answering.
	Block chan struct{}

	codes   []string
	bearers []string
}

func (f *FakeExchanger) ExchangeCalendarCode(ctx context.Context, bearer, code, redirectURI string) (*api.CalendarGrant, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.bearers = append(f.bearers, bearer)
	block := f.Block
	grant, err := f.Grant, f.Err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if grant == nil {
		grant = &api.CalendarGrant{AccessToken: "calendar-token", ExpiresIn: 3600}
	}
	return grant, nil
}

func (f *FakeExchanger) Codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func (f *FakeExchanger) Bearers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bearers...)
}

// SignedIn returns a complete sign-in result for a test user.
func SignedIn() provider.SignedIn {
	return provider.SignedIn{
		User: provider.User{ID: "user-1", DisplayName: "Ada", Email: "ada@example.com"},
		Credentials: provider.Credentials{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			IDToken:      "id-1",
		},
	}
}
