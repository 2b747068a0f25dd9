package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/metrics"
	"github.com/getlantern/authflow/provider"
)

const (
	defaultRefreshInterval = time.Minute
	defaultRefreshWindow   = 5 * time.Minute
	maxRefreshBackoff      = 10 * time.Minute
)

// ErrRefreshInFlight is returned by RefreshNow when a refresh is already running.
var ErrRefreshInFlight = errors.New("credential refresh already in progress")

// refresher renews credentials shortly before they expire. At most one refresh runs at a time.
type refresher struct {
	store    *Store
	interval time.Duration
	window   time.Duration

	running  atomic.Bool
	backoff  *common.Backoff
	retryAt  atomic.Int64 // unix nanos before which ticks are skipped
	cancel   context.CancelFunc
	done     sync.WaitGroup
	stopOnce sync.Once
}

func newRefresher(s *Store, interval, window time.Duration) *refresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if window <= 0 {
		window = defaultRefreshWindow
	}
	return &refresher{
		store:    s,
		interval: interval,
		window:   window,
		backoff:  common.NewBackoff(interval, maxRefreshBackoff),
	}
}

func (r *refresher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done.Add(1)
	go func() {
		defer r.done.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Now().UnixNano() < r.retryAt.Load() {
					continue
				}
				if _, err := r.refresh(ctx, false); err != nil && !errors.Is(err, ErrRefreshInFlight) {
					slog.Debug("Background refresh did not complete", "error", err)
				}
			}
		}
	}()
}

func (r *refresher) stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.done.Wait()
	})
}

// refresh renews the credentials if they expire within the window, or unconditionally when force is
// set. It reports whether new credentials were installed.
func (r *refresher) refresh(ctx context.Context, force bool) (bool, error) {
	if !r.running.CompareAndSwap(false, true) {
		return false, ErrRefreshInFlight
	}
	defer r.running.Store(false)

	snap := r.store.Snapshot()
	if snap.User == nil || snap.Credentials == nil {
		return false, nil
	}
	if !force && !snap.Credentials.ExpiresWithin(r.window) {
		return false, nil
	}

	fresh, err := r.store.opts.Provider.Refresh(ctx, *snap.Credentials)
	if err != nil {
		if provider.IsAuthError(err) {
			// the user will be asked to sign in again when the token expires; nothing to retry
			slog.Warn("Credential refresh refused", "user", snap.User.ID, "error", err)
			metrics.TokenRefresh(ctx, "refused")
			r.retryAt.Store(snap.Credentials.Expiry.UnixNano())
			return false, err
		}
		wait := r.backoff.Next()
		r.retryAt.Store(time.Now().Add(wait).UnixNano())
		slog.Info("Credential refresh failed, will retry", "in", wait, "error", err)
		metrics.TokenRefresh(ctx, "failed")
		return false, err
	}
	r.backoff.Reset()
	r.retryAt.Store(0)

	// hold opMu so a SignOut cannot land between installing and persisting
	r.store.opMu.Lock()
	defer r.store.opMu.Unlock()
	installed := false
	sess := r.store.update(func(sess *Session) {
		// skip if the user signed out or switched accounts while the refresh was running
		if sess.User == nil || sess.User.ID != snap.User.ID {
			return
		}
		sess.Credentials = &fresh
		installed = true
	})
	if installed {
		r.store.persist(sess)
		metrics.TokenRefresh(ctx, "ok")
		slog.Debug("Credentials refreshed", "user", snap.User.ID, "expiry", fresh.Expiry)
	}
	return installed, nil
}

// RefreshNow renews the credentials immediately. It returns ErrRefreshInFlight without waiting if
// a refresh is already running.
func (s *Store) RefreshNow(ctx context.Context) (bool, error) {
	return s.refresher.refresh(ctx, true)
}
