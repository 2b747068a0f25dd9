package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/getlantern/authflow/api"
	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/common/atomicfile"
	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/metrics"
	"github.com/getlantern/authflow/provider"
	"github.com/getlantern/authflow/traces"
)

const tracerName = "github.com/getlantern/authflow/session"

// CalendarExchanger trades a calendar authorization code for calendar access on the backend.
type CalendarExchanger interface {
	ExchangeCalendarCode(ctx context.Context, bearer, code, redirectURI string) (*api.CalendarGrant, error)
}

// AccessVerifier checks that a granted calendar token works.
type AccessVerifier interface {
	Verify(ctx context.Context, accessToken string) error
}

// AttemptClearer removes the keys of a calendar connection attempt.
type AttemptClearer interface {
	ClearAttempt() (int, error)
}

type Options struct {
	DataDir   string
	Provider  provider.Provider
	Exchanger CalendarExchanger
	// Verifier, when set, must accept the granted calendar token before the session records
	// calendar access.
	Verifier AccessVerifier
	Channel  AttemptClearer
	// OpenBrowser sends the user to the identity provider.
	OpenBrowser func(url string) error
	// CalendarRedirectURL is the redirect URI the calendar code was issued for.
	CalendarRedirectURL string

	RefreshInterval time.Duration
	RefreshWindow   time.Duration
	// SignInTimeout is how long SignIn leaves the session loading when the redirect never arrives.
	SignInTimeout time.Duration
}

const defaultSignInTimeout = 15 * time.Minute

// Store owns the session. Operations that change it run one at a time, in call order.
type Store struct {
	opts Options
	path string

	opMu    sync.Mutex // serialises operations
	stateMu sync.RWMutex
	session Session

	refresher *refresher

	signInMu    sync.Mutex
	signInTimer *time.Timer
	signInSeq   uint64
}

// NewStore returns a store in the uninitialized state and starts the background refresh.
func NewStore(opts Options) *Store {
	if opts.SignInTimeout <= 0 {
		opts.SignInTimeout = defaultSignInTimeout
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = func(u string) error {
			return errors.New("no browser available")
		}
	}
	s := &Store{
		opts:    opts,
		path:    filepath.Join(opts.DataDir, app.SessionFileName),
		session: Session{State: StateUninitialized},
	}
	s.refresher = newRefresher(s, opts.RefreshInterval, opts.RefreshWindow)
	s.refresher.start()
	return s
}

// Snapshot returns the current session.
func (s *Store) Snapshot() Session {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.session
}

// update applies fn to a copy of the session, installs it and emits a ChangeEvent if anything
// changed.
func (s *Store) update(fn func(*Session)) Session {
	s.stateMu.Lock()
	old := s.session
	next := old
	fn(&next)
	s.session = next
	s.stateMu.Unlock()
	if next != old {
		events.Emit(ChangeEvent{Old: old, New: next})
	}
	return next
}

func (s *Store) persist(sess Session) {
	p := persisted{
		User:              sess.User,
		Credentials:       sess.Credentials,
		CalendarStage:     sess.CalendarStage,
		HasCalendarAccess: sess.HasCalendarAccess,
		Err:               sess.Err,
	}
	if err := atomicfile.WriteJSON(s.path, p); err != nil {
		slog.Error("Could not persist session", "path", s.path, "error", err)
	}
}

// Restore loads the session persisted by a previous run.
func (s *Store) Restore(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.update(func(sess *Session) {
		sess.State = StateLoading
		sess.Loading = true
	})
	var p persisted
	found, err := atomicfile.ReadJSON(s.path, &p)
	if err != nil {
		slog.Warn("Discarding unreadable session", "path", s.path, "error", err)
		_ = atomicfile.Remove(s.path)
		found = false
	}
	s.update(func(sess *Session) {
		*sess = Session{State: StateUnauthenticated}
		if !found {
			return
		}
		sess.Err = p.Err
		sess.CalendarStage = p.CalendarStage
		if p.User != nil {
			sess.State = StateAuthenticated
			sess.User = p.User
			sess.Credentials = p.Credentials
			sess.HasCalendarAccess = p.HasCalendarAccess
		}
	})
	slog.Debug("Session restored", "signedIn", found && p.User != nil)
	return nil
}

// SignIn starts a sign-in redirect and opens it. The session stays loading until the redirect is
// resolved or SignInTimeout passes, whichever comes first. The returned URL lets callers show it
// when no browser could be opened.
func (s *Store) SignIn(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SignIn")
	defer span.End()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.update(func(sess *Session) {
		sess.State = StateLoading
		sess.Loading = true
		sess.Err = nil
	})
	authURL, err := s.opts.Provider.StartSignIn(ctx)
	if err != nil {
		err = common.WrapError(common.AuthResolutionError, "could not start sign-in", err)
		s.update(func(sess *Session) {
			sess.State = StateError
			sess.Loading = false
			sess.Err = errorInfo(err)
		})
		return "", traces.RecordError(ctx, err)
	}
	metrics.SignInStarted(ctx)
	s.armSignInExpiry()
	slog.Debug("Opening browser for sign-in")
	if err := s.opts.OpenBrowser(authURL); err != nil {
		// the user can still open the URL by hand
		slog.Info("Failed to automatically open browser", "error", err)
		slog.Info("Please manually open the following URL in your browser", "url", authURL)
	}
	return authURL, nil
}

// armSignInExpiry settles the session once the sign-in just started can no longer complete. Any
// later operation that resolves the loading state disarms it.
func (s *Store) armSignInExpiry() {
	s.signInMu.Lock()
	defer s.signInMu.Unlock()
	if s.signInTimer != nil {
		s.signInTimer.Stop()
	}
	s.signInSeq++
	seq := s.signInSeq
	s.signInTimer = time.AfterFunc(s.opts.SignInTimeout, func() { s.expireSignIn(seq) })
}

func (s *Store) disarmSignInExpiry() {
	s.signInMu.Lock()
	defer s.signInMu.Unlock()
	if s.signInTimer != nil {
		s.signInTimer.Stop()
		s.signInTimer = nil
	}
	s.signInSeq++
}

func (s *Store) expireSignIn(seq uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.signInMu.Lock()
	current := seq == s.signInSeq
	if current {
		s.signInTimer = nil
	}
	s.signInMu.Unlock()
	if !current || !s.Snapshot().Loading {
		return
	}
	slog.Info("Sign-in was not completed in time", "timeout", s.opts.SignInTimeout)
	s.update(func(sess *Session) {
		sess.Loading = false
		sess.State = StateUnauthenticated
		if sess.User != nil {
			sess.State = StateAuthenticated
		}
	})
}

// ResolveRedirect resolves the landing URL of a sign-in redirect. The result is NoRedirect when the
// URL carries nothing to resolve, SignedIn with a complete identity and Incomplete when the provider
// omitted required fields. Provider failures are AuthResolutionError, or NetworkError when the
// provider could not be reached.
func (s *Store) ResolveRedirect(ctx context.Context, landing *url.URL) (provider.Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ResolveRedirect")
	defer span.End()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.disarmSignInExpiry()

	s.update(func(sess *Session) {
		sess.State = StateLoading
		sess.Loading = true
	})
	res, err := s.opts.Provider.ConsumeRedirect(ctx, landing)
	if err != nil {
		kind := common.AuthResolutionError
		if !provider.IsAuthError(err) && common.KindOf(err) == common.NetworkError {
			kind = common.NetworkError
		}
		err = common.WrapError(kind, "sign-in failed", err)
		s.update(func(sess *Session) {
			sess.State = StateError
			sess.Loading = false
			sess.Err = errorInfo(err)
		})
		metrics.RedirectResolved(ctx, "error")
		return nil, traces.RecordError(ctx, err)
	}

	switch r := res.(type) {
	case provider.SignedIn:
		user, creds := r.User, r.Credentials
		sess := s.update(func(sess *Session) {
			if sess.User == nil || sess.User.ID != user.ID {
				// a different account: calendar state belongs to the previous one
				sess.CalendarStage = channel.StageNone
				sess.HasCalendarAccess = false
			}
			sess.State = StateAuthenticated
			sess.Loading = false
			sess.Err = nil
			sess.User = &user
			sess.Credentials = &creds
			sess.HasCalendarAccess = sess.HasCalendarAccess || r.HasCalendarAccess
		})
		s.persist(sess)
		metrics.RedirectResolved(ctx, "signed_in")
		slog.Info("Signed in", "user", user.ID)
	case provider.Incomplete:
		s.update(func(sess *Session) {
			sess.Loading = false
			sess.State = StateUnauthenticated
			if sess.User != nil {
				sess.State = StateAuthenticated
			}
		})
		metrics.RedirectResolved(ctx, "incomplete")
		slog.Warn("Sign-in returned an incomplete identity", "missing", r.Missing)
	default:
		s.update(func(sess *Session) {
			sess.Loading = false
			sess.State = StateUnauthenticated
			if sess.User != nil {
				sess.State = StateAuthenticated
			}
		})
		metrics.RedirectResolved(ctx, "no_redirect")
	}
	return res, nil
}

// ExchangeAuthorizationCode hands a calendar authorization code to the backend and, when a Verifier
// is configured, checks the granted token before recording calendar access. A missing code, a
// refused exchange or a refused token is a CalendarExchangeError; the error is kept in the session,
// and persisted, so the next page can show it. The loading flag is not touched.
func (s *Store) ExchangeAuthorizationCode(ctx context.Context, code string) (*api.CalendarGrant, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ExchangeAuthorizationCode")
	defer span.End()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	fail := func(err error) (*api.CalendarGrant, error) {
		sess := s.update(func(sess *Session) {
			sess.Err = errorInfo(err)
			sess.CalendarStage = channel.StageNone
		})
		s.persist(sess)
		return nil, traces.RecordError(ctx, err)
	}

	if code == "" {
		return fail(common.NewError(common.CalendarExchangeError, "No authorization code received"))
	}
	snap := s.Snapshot()
	if snap.User == nil || snap.Credentials == nil {
		return fail(common.NewError(common.CalendarExchangeError, "Sign in before connecting your calendar"))
	}
	bearer := snap.Credentials.IDToken
	if bearer == "" {
		bearer = snap.Credentials.AccessToken
	}

	s.update(func(sess *Session) {
		sess.CalendarStage = channel.StageVerifying
		sess.Err = nil
	})
	start := time.Now()
	grant, err := s.opts.Exchanger.ExchangeCalendarCode(ctx, bearer, code, s.opts.CalendarRedirectURL)
	if err != nil {
		metrics.CalendarExchange(ctx, string(common.KindOf(err)), time.Since(start))
		return fail(common.WrapError(common.CalendarExchangeError, "Failed to connect your calendar", err))
	}
	if s.opts.Verifier != nil {
		if err := s.opts.Verifier.Verify(ctx, grant.AccessToken); err != nil {
			metrics.CalendarExchange(ctx, "unverified", time.Since(start))
			return fail(err)
		}
	}
	metrics.CalendarExchange(ctx, "ok", time.Since(start))
	sess := s.update(func(sess *Session) {
		sess.HasCalendarAccess = true
		sess.CalendarStage = channel.StageComplete
		sess.Err = nil
	})
	s.persist(sess)
	return grant, nil
}

// SignOut clears the session, the persisted copy, any sign-in in progress and the connection
// attempt keys. Signing out twice is harmless.
func (s *Store) SignOut(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.disarmSignInExpiry()

	var errs error
	if err := s.opts.Provider.Forget(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("forget pending sign-in: %w", err))
	}
	if s.opts.Channel != nil {
		if _, err := s.opts.Channel.ClearAttempt(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("clear connection attempt: %w", err))
		}
	}
	if err := atomicfile.Remove(s.path); err != nil {
		errs = errors.Join(errs, fmt.Errorf("remove session: %w", err))
	}
	s.update(func(sess *Session) {
		*sess = Session{State: StateUnauthenticated}
	})
	slog.Info("Signed out")
	return errs
}

// SetCalendarStage mirrors the connection stage written by another tab into the session. A failed
// attempt leaves the session with no stage.
func (s *Store) SetCalendarStage(stage channel.Stage) {
	if !stage.Valid() {
		return
	}
	if stage == channel.StageFailed {
		stage = channel.StageNone
	}
	s.update(func(sess *Session) {
		sess.CalendarStage = stage
		if stage == channel.StageComplete {
			sess.HasCalendarAccess = true
		}
	})
}

// ClearError empties the error slot, typically after the banner was shown.
func (s *Store) ClearError() {
	sess := s.update(func(sess *Session) {
		sess.Err = nil
		if sess.State == StateError {
			sess.State = StateUnauthenticated
			if sess.User != nil {
				sess.State = StateAuthenticated
			}
		}
	})
	if sess.User != nil {
		s.persist(sess)
	}
}

// Close stops the background refresh and any pending sign-in expiry.
func (s *Store) Close() error {
	s.disarmSignInExpiry()
	s.refresher.stop()
	return nil
}
