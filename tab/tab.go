// Package tab models one window of the shell: its current location, its navigation history and its
// private storage.
package tab

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/events"
)

// NavigationEvent is emitted every time a tab changes location.
type NavigationEvent struct {
	TabID string
	From  string
	To    string
}

// Navigator is what handlers and gates need from a tab.
type Navigator interface {
	ID() string
	Location() *url.URL
	Navigate(target string)
}

// Environment reports whether the host provides the capabilities the sign-in flow needs.
type Environment interface {
	Supported() error
	Storage() (*Storage, error)
}

type Tab struct {
	id       string
	mu       sync.Mutex
	location *url.URL
	history  []string
	storage  *Storage
}

type Option func(*tabOptions)

type tabOptions struct {
	noStorage  bool
	storageTTL time.Duration
}

// WithoutStorage creates a tab whose host has no per-tab storage, as with browsers that block it.
func WithoutStorage() Option {
	return func(o *tabOptions) { o.noStorage = true }
}

func WithStorageTTL(ttl time.Duration) Option {
	return func(o *tabOptions) { o.storageTTL = ttl }
}

// New opens a tab at initial, which may be a path or an absolute URL.
func New(initial string, opts ...Option) (*Tab, error) {
	var o tabOptions
	for _, opt := range opts {
		opt(&o)
	}
	loc, err := url.Parse(initial)
	if err != nil {
		return nil, fmt.Errorf("parse initial location: %w", err)
	}
	t := &Tab{
		id:       uuid.NewString(),
		location: loc,
		history:  []string{loc.String()},
	}
	if !o.noStorage {
		t.storage = NewStorage(o.storageTTL)
	}
	return t, nil
}

func (t *Tab) ID() string {
	return t.id
}

// Location returns a copy of the current location.
func (t *Tab) Location() *url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := *t.location
	return &u
}

// Navigate moves the tab to target, resolved against the current location.
func (t *Tab) Navigate(target string) {
	ref, err := url.Parse(target)
	if err != nil {
		slog.Error("Ignoring navigation to malformed target", "tab", t.id, "target", target, "error", err)
		return
	}
	t.mu.Lock()
	from := t.location.String()
	t.location = t.location.ResolveReference(ref)
	to := t.location.String()
	t.history = append(t.history, to)
	t.mu.Unlock()

	slog.Debug("Tab navigated", "tab", t.id, "from", from, "to", to)
	events.Emit(NavigationEvent{TabID: t.id, From: from, To: to})
}

// History returns every location the tab has been at, oldest first.
func (t *Tab) History() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.history...)
}

// Storage returns the tab's private storage, or an EnvironmentError if the host has none.
func (t *Tab) Storage() (*Storage, error) {
	if t.storage == nil {
		return nil, common.NewError(common.EnvironmentError, "session storage is not available")
	}
	return t.storage, nil
}

// Supported checks the capabilities the sign-in flow depends on.
func (t *Tab) Supported() error {
	_, err := t.Storage()
	return err
}
