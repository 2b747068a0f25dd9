// Package handlers implements the two landing routes of the flow: the identity provider's sign-in
// redirect and the calendar consent callback.
package handlers

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/common/reporting"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/provider"
	"github.com/getlantern/authflow/tab"
	"github.com/getlantern/authflow/traces"
)

const tracerName = "github.com/getlantern/authflow/handlers"

// AuthStateKey is the per-tab storage key of the marker written after a successful sign-in.
const AuthStateKey = "auth_state"

// AuthState is the per-tab marker written after a successful sign-in.
type AuthState struct {
	Authenticated bool  `json:"authenticated"`
	Timestamp     int64 `json:"timestamp"` // unix millis
}

// Tab is the window a handler runs in.
type Tab interface {
	tab.Navigator
	tab.Environment
}

// RedirectResolver resolves the landing URL of a sign-in redirect.
type RedirectResolver interface {
	ResolveRedirect(ctx context.Context, landing *url.URL) (provider.Result, error)
}

// RedirectHandler runs on the sign-in redirect route. It resolves the redirect once per mount and
// always ends by navigating away.
type RedirectHandler struct {
	tab        Tab
	resolver   RedirectResolver
	routes     config.Routes
	errorDelay time.Duration

	attempted atomic.Bool

	mu  sync.Mutex
	err error
}

func NewRedirectHandler(t Tab, resolver RedirectResolver, routes config.Routes, errorDelay time.Duration) *RedirectHandler {
	return &RedirectHandler{
		tab:        t,
		resolver:   resolver,
		routes:     routes,
		errorDelay: errorDelay,
	}
}

// Run resolves the redirect and navigates to the home route on success or to the public route
// otherwise. Only the first call after a mount does anything; later calls return nil immediately.
// On failure the error is kept for the banner and the navigation happens after the error delay, or
// as soon as ctx is done.
func (h *RedirectHandler) Run(ctx context.Context) error {
	if !h.attempted.CompareAndSwap(false, true) {
		return nil
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "RedirectHandler.Run")
	defer span.End()

	err := h.resolve(ctx)
	if err == nil {
		return nil
	}

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()

	kind := common.KindOf(err)
	traces.RecordError(ctx, err)
	if !common.Expected(kind) {
		reporting.Capture(err, map[string]string{"route": h.routes.Redirect, "kind": string(kind)})
	}

	timer := time.NewTimer(h.errorDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	h.tab.Navigate(h.routes.Public)
	return err
}

func (h *RedirectHandler) resolve(ctx context.Context) error {
	if err := h.tab.Supported(); err != nil {
		return common.WrapError(common.EnvironmentError, "session storage is not available", err)
	}
	res, err := h.resolver.ResolveRedirect(ctx, h.tab.Location())
	if err != nil {
		return err
	}

	switch r := res.(type) {
	case provider.NoRedirect:
		slog.Debug("No sign-in redirect to resolve", "tab", h.tab.ID())
		h.tab.Navigate(h.routes.Public)
		return nil
	case provider.Incomplete:
		return common.NewError(common.InvalidRedirectShapeError, "sign-in result is missing %v", r.Missing)
	case provider.SignedIn:
		storage, err := h.tab.Storage()
		if err != nil {
			return err
		}
		marker := AuthState{Authenticated: true, Timestamp: time.Now().UnixMilli()}
		if err := storage.SetJSON(AuthStateKey, marker); err != nil {
			return common.WrapError(common.GeneralError, "could not record sign-in", err)
		}
		slog.Info("Sign-in redirect resolved", "tab", h.tab.ID(), "user", r.User.ID)
		h.tab.Navigate(h.routes.Home)
		return nil
	default:
		return common.NewError(common.InvalidRedirectShapeError, "unexpected sign-in result %T", res)
	}
}

// Err returns the error of the last attempt, for the banner.
func (h *RedirectHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Unmount resets the attempt guard, so the next mount resolves again.
func (h *RedirectHandler) Unmount() {
	h.attempted.Store(false)
	h.mu.Lock()
	h.err = nil
	h.mu.Unlock()
}
