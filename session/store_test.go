package session

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/internal/testutil"
	"github.com/getlantern/authflow/provider"
)

type fixture struct {
	store     *Store
	provider  *testutil.FakeProvider
	exchanger *testutil.FakeExchanger
	channel   *channel.Channel
	dir       string
	opened    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ch, err := channel.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	f := &fixture{
		provider:  &testutil.FakeProvider{},
		exchanger: &testutil.FakeExchanger{},
		channel:   ch,
		dir:       dir,
	}
	f.store = NewStore(Options{
		DataDir:   dir,
		Provider:  f.provider,
		Exchanger: f.exchanger,
		Channel:   ch,
		OpenBrowser: func(u string) error {
			f.opened = append(f.opened, u)
			return nil
		},
		CalendarRedirectURL: "http://127.0.0.1/oauth/callback",
		RefreshInterval:     time.Hour,
	})
	t.Cleanup(func() { f.store.Close() })
	return f
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	f.provider.SetResult(testutil.SignedIn(), nil)
	_, err := f.store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc&state=s"})
	require.NoError(t, err)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StateUninitialized, f.store.Snapshot().State)

	require.NoError(t, f.store.Restore(t.Context()))
	assert.Equal(t, StateUnauthenticated, f.store.Snapshot().State)
	assert.False(t, f.store.Snapshot().Loading)

	f.signIn(t)

	// a second store over the same data directory picks the session up
	other := NewStore(Options{DataDir: f.dir, Provider: f.provider, RefreshInterval: time.Hour})
	defer other.Close()
	require.NoError(t, other.Restore(t.Context()))
	snap := other.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	require.NotNil(t, snap.User)
	assert.Equal(t, "user-1", snap.User.ID)
	assert.Equal(t, "refresh-1", snap.Credentials.RefreshToken)
}

func TestRestoreCorruptFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, app.SessionFileName)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	require.NoError(t, f.store.Restore(t.Context()))
	assert.Equal(t, StateUnauthenticated, f.store.Snapshot().State)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSignIn(t *testing.T) {
	f := newFixture(t)

	authURL, err := f.store.SignIn(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{authURL}, f.opened)
	snap := f.store.Snapshot()
	assert.Equal(t, StateLoading, snap.State)
	assert.True(t, snap.Loading)

	f.provider.StartErr = errors.New("misconfigured")
	_, err = f.store.SignIn(t.Context())
	require.Error(t, err)
	assert.Equal(t, common.AuthResolutionError, common.KindOf(err))
	snap = f.store.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.False(t, snap.Loading)
	assert.Equal(t, common.AuthResolutionError, snap.Err.Kind)
}

func TestAbandonedSignInSettles(t *testing.T) {
	newStore := func(t *testing.T, p *testutil.FakeProvider, timeout time.Duration) *Store {
		store := NewStore(Options{
			DataDir:         t.TempDir(),
			Provider:        p,
			OpenBrowser:     func(string) error { return nil },
			RefreshInterval: time.Hour,
			SignInTimeout:   timeout,
		})
		t.Cleanup(func() { store.Close() })
		return store
	}
	settled := func(store *Store) func() bool {
		return func() bool { return !store.Snapshot().Loading }
	}

	t.Run("signed out", func(t *testing.T) {
		store := newStore(t, &testutil.FakeProvider{}, 20*time.Millisecond)
		_, err := store.SignIn(t.Context())
		require.NoError(t, err)

		assert.Eventually(t, settled(store), time.Second, 5*time.Millisecond)
		assert.Equal(t, StateUnauthenticated, store.Snapshot().State)
	})

	t.Run("signed in user is kept", func(t *testing.T) {
		p := &testutil.FakeProvider{}
		p.SetResult(testutil.SignedIn(), nil)
		store := newStore(t, p, 20*time.Millisecond)
		_, err := store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc"})
		require.NoError(t, err)

		_, err = store.SignIn(t.Context())
		require.NoError(t, err)
		require.True(t, store.Snapshot().Loading)

		assert.Eventually(t, settled(store), time.Second, 5*time.Millisecond)
		snap := store.Snapshot()
		assert.Equal(t, StateAuthenticated, snap.State)
		require.NotNil(t, snap.User)
		assert.Equal(t, "user-1", snap.User.ID)
	})

	t.Run("a new sign-in restarts the clock", func(t *testing.T) {
		store := newStore(t, &testutil.FakeProvider{}, 200*time.Millisecond)
		_, err := store.SignIn(t.Context())
		require.NoError(t, err)
		time.Sleep(120 * time.Millisecond)
		_, err = store.SignIn(t.Context())
		require.NoError(t, err)

		time.Sleep(130 * time.Millisecond)
		assert.True(t, store.Snapshot().Loading, "the first sign-in's timer no longer applies")
		assert.Eventually(t, settled(store), time.Second, 5*time.Millisecond)
	})

	t.Run("resolved redirect is not disturbed", func(t *testing.T) {
		p := &testutil.FakeProvider{}
		store := newStore(t, p, 20*time.Millisecond)
		_, err := store.SignIn(t.Context())
		require.NoError(t, err)
		p.SetResult(testutil.SignedIn(), nil)
		_, err = store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc"})
		require.NoError(t, err)
		_, err = store.SignIn(t.Context())
		require.NoError(t, err)
		require.NoError(t, store.SignOut(t.Context()))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, Session{State: StateUnauthenticated}, store.Snapshot())
	})
}

func TestResolveRedirect(t *testing.T) {
	t.Run("signed in", func(t *testing.T) {
		f := newFixture(t)
		res := testutil.SignedIn()
		res.HasCalendarAccess = true
		f.provider.SetResult(res, nil)

		got, err := f.store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc"})
		require.NoError(t, err)
		assert.IsType(t, provider.SignedIn{}, got)
		snap := f.store.Snapshot()
		assert.Equal(t, StateAuthenticated, snap.State)
		assert.True(t, snap.HasCalendarAccess)
		assert.False(t, snap.Loading)
		assert.FileExists(t, filepath.Join(f.dir, app.SessionFileName))
	})

	t.Run("no redirect without user", func(t *testing.T) {
		f := newFixture(t)
		got, err := f.store.ResolveRedirect(t.Context(), &url.URL{})
		require.NoError(t, err)
		assert.Equal(t, provider.NoRedirect{}, got)
		assert.Equal(t, StateUnauthenticated, f.store.Snapshot().State)
	})

	t.Run("no redirect keeps existing user", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		f.provider.SetResult(provider.NoRedirect{}, nil)
		_, err := f.store.ResolveRedirect(t.Context(), &url.URL{})
		require.NoError(t, err)
		assert.Equal(t, StateAuthenticated, f.store.Snapshot().State)
	})

	t.Run("incomplete", func(t *testing.T) {
		f := newFixture(t)
		f.provider.SetResult(provider.Incomplete{Missing: []string{"user.email"}}, nil)
		got, err := f.store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc"})
		require.NoError(t, err)
		assert.IsType(t, provider.Incomplete{}, got)
		assert.Equal(t, StateUnauthenticated, f.store.Snapshot().State)
	})

	t.Run("provider error", func(t *testing.T) {
		f := newFixture(t)
		f.provider.SetResult(nil, &provider.ProviderError{Code: "access_denied"})
		_, err := f.store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "error=access_denied"})
		require.Error(t, err)
		assert.Equal(t, common.AuthResolutionError, common.KindOf(err))
		snap := f.store.Snapshot()
		assert.Equal(t, StateError, snap.State)
		assert.False(t, snap.Loading)
	})

	t.Run("unreachable provider", func(t *testing.T) {
		f := newFixture(t)
		f.provider.SetResult(nil, &url.Error{Op: "Post", URL: "https://oauth2.example.com/token", Err: errors.New("connection refused")})
		_, err := f.store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc"})
		assert.Equal(t, common.NetworkError, common.KindOf(err))
	})
}

func TestExchangeAuthorizationCode(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		grant, err := f.store.ExchangeAuthorizationCode(t.Context(), "cal-code")
		require.NoError(t, err)
		assert.Equal(t, "calendar-token", grant.AccessToken)
		assert.Equal(t, []string{"cal-code"}, f.exchanger.Codes())
		assert.Equal(t, []string{"id-1"}, f.exchanger.Bearers())
		snap := f.store.Snapshot()
		assert.True(t, snap.HasCalendarAccess)
		assert.Equal(t, channel.StageComplete, snap.CalendarStage)
		assert.Nil(t, snap.Err)
	})

	t.Run("missing code", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		_, err := f.store.ExchangeAuthorizationCode(t.Context(), "")
		require.Error(t, err)
		assert.Equal(t, common.CalendarExchangeError, common.KindOf(err))
		assert.Empty(t, f.exchanger.Codes())
	})

	t.Run("rejected code is kept for the next page", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		f.exchanger.Err = common.NewError(common.CalendarExchangeError, "Failed to connect your calendar: invalid_grant")
		_, err := f.store.ExchangeAuthorizationCode(t.Context(), "cal-code")
		require.Error(t, err)

		snap := f.store.Snapshot()
		require.NotNil(t, snap.Err)
		assert.Equal(t, common.CalendarExchangeError, snap.Err.Kind)
		assert.Contains(t, snap.Err.Message, "invalid_grant")
		assert.False(t, snap.Loading, "the loading flag is not touched")
		assert.Equal(t, StateAuthenticated, snap.State)

		other := NewStore(Options{DataDir: f.dir, Provider: f.provider, RefreshInterval: time.Hour})
		defer other.Close()
		require.NoError(t, other.Restore(t.Context()))
		require.NotNil(t, other.Snapshot().Err)
		assert.Equal(t, common.CalendarExchangeError, other.Snapshot().Err.Kind)
	})

	t.Run("network failure", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		f.exchanger.Err = common.WrapError(common.NetworkError, "request failed", errors.New("connection reset"))
		_, err := f.store.ExchangeAuthorizationCode(t.Context(), "cal-code")
		assert.Equal(t, common.NetworkError, common.KindOf(err))
	})

	t.Run("refused token records no access", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		v := &refusingVerifier{err: common.NewError(common.CalendarExchangeError, "Calendar access was not granted")}
		store := NewStore(Options{
			DataDir:         f.dir,
			Provider:        f.provider,
			Exchanger:       f.exchanger,
			Verifier:        v,
			RefreshInterval: time.Hour,
		})
		defer store.Close()
		require.NoError(t, store.Restore(t.Context()))

		_, err := store.ExchangeAuthorizationCode(t.Context(), "cal-code")
		require.Error(t, err)
		assert.Equal(t, common.CalendarExchangeError, common.KindOf(err))
		assert.Equal(t, []string{"calendar-token"}, v.tokens)

		snap := store.Snapshot()
		assert.False(t, snap.HasCalendarAccess)
		assert.Equal(t, channel.StageNone, snap.CalendarStage)
		require.NotNil(t, snap.Err)
		assert.Equal(t, "Calendar access was not granted", snap.Err.Message)
	})

	t.Run("loading flag untouched during exchange", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		_, err := f.store.SignIn(t.Context())
		require.NoError(t, err)
		require.True(t, f.store.Snapshot().Loading)

		_, err = f.store.ExchangeAuthorizationCode(t.Context(), "cal-code")
		require.NoError(t, err)
		assert.True(t, f.store.Snapshot().Loading)
	})
}

type refusingVerifier struct {
	err    error
	tokens []string
}

func (v *refusingVerifier) Verify(ctx context.Context, accessToken string) error {
	v.tokens = append(v.tokens, accessToken)
	return v.err
}

func TestClearError(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.exchanger.Err = common.NewError(common.CalendarExchangeError, "Failed to connect your calendar")
	_, err := f.store.ExchangeAuthorizationCode(t.Context(), "cal-code")
	require.Error(t, err)
	require.NotNil(t, f.store.Snapshot().Err)

	f.store.ClearError()
	snap := f.store.Snapshot()
	assert.Nil(t, snap.Err)
	assert.Equal(t, StateAuthenticated, snap.State)

	other := NewStore(Options{DataDir: f.dir, Provider: f.provider, RefreshInterval: time.Hour})
	defer other.Close()
	require.NoError(t, other.Restore(t.Context()))
	assert.Nil(t, other.Snapshot().Err, "the cleared error is not restored")
}

func TestSignOut(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	require.NoError(t, f.channel.MarkComplete("done"))

	require.NoError(t, f.store.SignOut(t.Context()))
	snap := f.store.Snapshot()
	assert.Equal(t, Session{State: StateUnauthenticated}, snap)
	assert.NoFileExists(t, filepath.Join(f.dir, app.SessionFileName))
	assert.Empty(t, f.channel.All())
	assert.Equal(t, 1, f.provider.Forgotten())

	require.NoError(t, f.store.SignOut(t.Context()), "signing out twice is harmless")
}

func TestChangeEvents(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var states []State
	sub := events.Subscribe(func(evt ChangeEvent) {
		mu.Lock()
		states = append(states, evt.New.State)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	f.signIn(t)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateLoading)
	assert.Contains(t, states, StateAuthenticated)
}

func TestSetCalendarStage(t *testing.T) {
	f := newFixture(t)
	f.store.SetCalendarStage(channel.StageVerifying)
	assert.Equal(t, channel.StageVerifying, f.store.Snapshot().CalendarStage)
	f.store.SetCalendarStage(channel.Stage("bogus"))
	assert.Equal(t, channel.StageVerifying, f.store.Snapshot().CalendarStage)
	f.store.SetCalendarStage(channel.StageFailed)
	assert.Equal(t, channel.StageNone, f.store.Snapshot().CalendarStage)
	f.store.SetCalendarStage(channel.StageComplete)
	assert.True(t, f.store.Snapshot().HasCalendarAccess)
}

func TestRefreshNotReentrant(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.provider.RefreshFunc = func(ctx context.Context, creds provider.Credentials) (provider.Credentials, error) {
		once.Do(func() { close(entered) })
		<-release
		creds.AccessToken = "access-2"
		creds.Expiry = time.Now().Add(time.Hour)
		return creds, nil
	}

	result := make(chan error, 1)
	go func() {
		_, err := f.store.RefreshNow(context.Background())
		result <- err
	}()
	<-entered

	_, err := f.store.RefreshNow(t.Context())
	assert.ErrorIs(t, err, ErrRefreshInFlight)

	close(release)
	require.NoError(t, <-result)
	assert.Equal(t, "access-2", f.store.Snapshot().Credentials.AccessToken)
}

func TestRefreshDoesNotOutliveSignOut(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.provider.RefreshFunc = func(ctx context.Context, creds provider.Credentials) (provider.Credentials, error) {
		creds.AccessToken = "access-2"
		creds.Expiry = time.Now().Add(time.Hour)
		return creds, nil
	}

	// sign out as soon as the fresh credentials become visible, before they are written out
	signedOut := make(chan error, 1)
	var once sync.Once
	sub := events.Subscribe(func(evt ChangeEvent) {
		if evt.New.Credentials == nil || evt.New.Credentials.AccessToken != "access-2" {
			return
		}
		once.Do(func() { signedOut <- f.store.SignOut(context.Background()) })
	})
	defer sub.Unsubscribe()

	refreshed, err := f.store.RefreshNow(t.Context())
	require.NoError(t, err)
	assert.True(t, refreshed)
	select {
	case err := <-signedOut:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sign-out did not run")
	}

	assert.NoFileExists(t, filepath.Join(f.dir, app.SessionFileName))
	other := NewStore(Options{DataDir: f.dir, Provider: f.provider, RefreshInterval: time.Hour})
	defer other.Close()
	require.NoError(t, other.Restore(t.Context()))
	assert.Equal(t, StateUnauthenticated, other.Snapshot().State)
}

func TestRefreshRefusedIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.provider.RefreshFunc = func(ctx context.Context, creds provider.Credentials) (provider.Credentials, error) {
		return creds, provider.ErrNoRefreshToken
	}
	refreshed, err := f.store.RefreshNow(t.Context())
	assert.False(t, refreshed)
	assert.ErrorIs(t, err, provider.ErrNoRefreshToken)
	snap := f.store.Snapshot()
	assert.Nil(t, snap.Err)
	assert.Equal(t, StateAuthenticated, snap.State)
}

func TestBackgroundRefresh(t *testing.T) {
	dir := t.TempDir()
	p := &testutil.FakeProvider{}
	p.SetResult(testutil.SignedIn(), nil)
	refreshed := make(chan struct{}, 1)
	p.RefreshFunc = func(ctx context.Context, creds provider.Credentials) (provider.Credentials, error) {
		creds.AccessToken = "access-bg"
		creds.Expiry = time.Now().Add(time.Hour)
		select {
		case refreshed <- struct{}{}:
		default:
		}
		return creds, nil
	}
	store := NewStore(Options{
		DataDir:         dir,
		Provider:        p,
		RefreshInterval: 10 * time.Millisecond,
		RefreshWindow:   time.Hour,
	})
	defer store.Close()

	_, err := store.ResolveRedirect(t.Context(), &url.URL{RawQuery: "code=abc"})
	require.NoError(t, err)

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh did not run")
	}
	assert.Eventually(t, func() bool {
		return store.Snapshot().Credentials.AccessToken == "access-bg"
	}, time.Second, 5*time.Millisecond)
}
