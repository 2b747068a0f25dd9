// Package gate decides whether a protected route renders, waits for the session, or sends the
// user to the public root.
package gate

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/session"
	"github.com/getlantern/authflow/tab"
)

type Action int

const (
	// Loading means the session is not settled yet: render a placeholder.
	Loading Action = iota
	Render
	Redirect
)

func (a Action) String() string {
	switch a {
	case Loading:
		return "loading"
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating a location against a session.
type Decision struct {
	Action Action
	// Target is the route to redirect to, set only for Redirect.
	Target string
	Reason string
}

// PublicRoot is where unauthenticated users are sent.
const PublicRoot = "/"

// Evaluate applies the gate's decision table. It has no side effects.
func Evaluate(snap session.Session, location *url.URL, publicRoutes, markers []string) Decision {
	switch {
	case snap.Loading || snap.State == session.StateUninitialized || snap.State == session.StateLoading:
		return Decision{Action: Loading, Reason: "session loading"}
	case snap.User != nil:
		return Decision{Action: Render, Reason: "signed in"}
	case isPublic(location, publicRoutes):
		return Decision{Action: Render, Reason: "public route"}
	}
	if marker, ok := InAuthFlow(location, markers); ok {
		return Decision{Action: Render, Reason: "sign-in in progress (" + marker + ")"}
	}
	return Decision{Action: Redirect, Target: PublicRoot, Reason: "not signed in"}
}

func isPublic(u *url.URL, publicRoutes []string) bool {
	if u == nil {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, route := range publicRoutes {
		if p == route || (route != "/" && strings.TrimSuffix(p, "/") == strings.TrimSuffix(route, "/")) {
			return true
		}
	}
	return false
}

// DefaultMarkers returns the substrings that identify a location taking part in the sign-in flow:
// the redirect handler path, the provider's domain, the OAuth query parameters and the provider's
// brand. Empty values are skipped.
func DefaultMarkers(redirectPath, domain, brand string) []string {
	candidates := []string{redirectPath, domain, "code=", "state=", "oauth", brand}
	markers := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	return markers
}

// InAuthFlow reports whether u looks like part of a sign-in in progress, and which marker matched.
// The whole URL is matched case-insensitively.
func InAuthFlow(u *url.URL, markers []string) (string, bool) {
	if u == nil {
		return "", false
	}
	s := strings.ToLower(u.String())
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}

// Snapshotter returns the current session.
type Snapshotter interface {
	Snapshot() session.Session
}

// Gate guards the routes of one tab.
type Gate struct {
	tab          tab.Navigator
	store        Snapshotter
	publicRoutes []string
	markers      []string

	mu             sync.Mutex
	last           Decision
	redirectedFrom string
	sessionSub     *events.Subscription[session.ChangeEvent]
	navSub         *events.Subscription[tab.NavigationEvent]
}

func New(t tab.Navigator, store Snapshotter, publicRoutes, markers []string) *Gate {
	return &Gate{
		tab:          t,
		store:        store,
		publicRoutes: publicRoutes,
		markers:      markers,
	}
}

// Check evaluates the tab's current location and navigates to the public root on Redirect. A
// location is redirected from at most once.
func (g *Gate) Check() Decision {
	loc := g.tab.Location()
	d := Evaluate(g.store.Snapshot(), loc, g.publicRoutes, g.markers)

	g.mu.Lock()
	g.last = d
	redirect := d.Action == Redirect && g.redirectedFrom != loc.String()
	if redirect {
		g.redirectedFrom = loc.String()
	}
	g.mu.Unlock()

	if redirect {
		slog.Debug("Redirecting to public root", "tab", g.tab.ID(), "from", loc.Path, "reason", d.Reason)
		g.tab.Navigate(d.Target)
	}
	return d
}

// Decision returns the result of the last check.
func (g *Gate) Decision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Mount checks now and again on every session change and every navigation of the tab.
func (g *Gate) Mount() Decision {
	g.mu.Lock()
	if g.sessionSub == nil {
		g.sessionSub = events.Subscribe(func(session.ChangeEvent) { g.Check() })
		id := g.tab.ID()
		g.navSub = events.Subscribe(func(evt tab.NavigationEvent) {
			if evt.TabID == id {
				g.Check()
			}
		})
	}
	g.mu.Unlock()
	return g.Check()
}

func (g *Gate) Unmount() {
	g.mu.Lock()
	sessionSub, navSub := g.sessionSub, g.navSub
	g.sessionSub, g.navSub = nil, nil
	g.mu.Unlock()
	if sessionSub != nil {
		sessionSub.Unsubscribe()
	}
	if navSub != nil {
		navSub.Unsubscribe()
	}
}
