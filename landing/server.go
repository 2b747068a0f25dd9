// Package landing serves the loopback endpoints the browser is redirected to, plus an event stream
// the UI shell follows to render progress.
package landing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/event"
	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/handlers"
	"github.com/getlantern/authflow/progress"
	"github.com/getlantern/authflow/session"
	"github.com/getlantern/authflow/tab"
)

const (
	shutdownTimeout = 5 * time.Second
	streamBuffer    = 64
)

// closeWindowHTML generates simple HTML to close the browser window.
func closeWindowHTML(messageHTML string) string {
	return fmt.Sprintf(`<html><script>window.close()</script><body>%s. You can close this window.</body></html>`, messageHTML)
}

// Flow runs the landing routes.
type Flow interface {
	HandleRedirect(ctx context.Context, landing *url.URL) error
	HandleCallback(ctx context.Context, landing *url.URL) handlers.CallbackResult
}

// ChangeSource publishes channel changes.
type ChangeSource interface {
	Subscribe(key string, fn func(channel.Change)) *event.Subscription
	Unsubscribe(sub *event.Subscription)
}

// Message is one line of the event stream.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SessionView is the part of the session the stream shows. Credentials are never streamed.
type SessionView struct {
	State             session.State      `json:"state"`
	UserID            string             `json:"userId,omitempty"`
	DisplayName       string             `json:"displayName,omitempty"`
	Email             string             `json:"email,omitempty"`
	CalendarStage     channel.Stage      `json:"calendarStage,omitempty"`
	HasCalendarAccess bool               `json:"hasCalendarAccess"`
	Loading           bool               `json:"loading"`
	Error             *session.ErrorInfo `json:"error,omitempty"`
}

func NewSessionView(s session.Session) SessionView {
	v := SessionView{
		State:             s.State,
		CalendarStage:     s.CalendarStage,
		HasCalendarAccess: s.HasCalendarAccess,
		Loading:           s.Loading,
		Error:             s.Err,
	}
	if s.User != nil {
		v.UserID, v.DisplayName, v.Email = s.User.ID, s.User.DisplayName, s.User.Email
	}
	return v
}

type Server struct {
	routes  config.Routes
	flow    Flow
	changes ChangeSource

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func NewServer(routes config.Routes, flow Flow, changes ChangeSource) *Server {
	return &Server{routes: routes, flow: flow, changes: changes}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.routes.Redirect, s.handleRedirect)
	mux.HandleFunc("GET "+s.routes.Callback, s.handleCallback)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"status":"ok"}`)
	})
	return mux
}

// Start listens on addr and serves until Close. Use port 0 to pick a free port.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("landing server already started")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})
	server, done := s.server, s.done
	go func() {
		defer close(done)
		slog.Debug("Starting landing server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Landing server error", "err", err)
		}
		slog.Debug("Landing server stopped")
	}()
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down gracefully, forcing it closed after a timeout.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.listener = nil, nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	if err != nil {
		slog.Debug("Error during landing server graceful shutdown", "err", err)
		err = server.Close()
	}
	<-done
	return err
}

// landingURL rebuilds the absolute URL the browser landed on.
func landingURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	return &u
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.HandleRedirect(r.Context(), landingURL(r)); err != nil {
		status := http.StatusBadRequest
		if common.KindOf(err) == common.NetworkError {
			status = http.StatusBadGateway
		}
		http.Error(w, closeWindowHTML(html.EscapeString(common.UserMessage(err))), status)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, closeWindowHTML("Sign-in complete"))
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	res := s.flow.HandleCallback(r.Context(), landingURL(r))
	if res.State != handlers.CallbackSuccess {
		http.Error(w, closeWindowHTML(html.EscapeString(res.Message)), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, closeWindowHTML(html.EscapeString(res.Message)))
}

// handleEvents streams newline delimited JSON messages until the client goes away. Messages are
// dropped, not queued without bound, when the client reads too slowly.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	out := make(chan Message, streamBuffer)
	send := func(m Message) {
		select {
		case out <- m:
		default:
			slog.Debug("Dropping event for slow stream client", "type", m.Type)
		}
	}

	sessionSub := events.Subscribe(func(evt session.ChangeEvent) {
		send(Message{Type: "session", Data: NewSessionView(evt.New)})
	})
	defer sessionSub.Unsubscribe()
	navSub := events.Subscribe(func(evt tab.NavigationEvent) {
		send(Message{Type: "navigation", Data: evt})
	})
	defer navSub.Unsubscribe()
	progressSub := events.Subscribe(func(evt progress.UpdateEvent) {
		send(Message{Type: "progress", Data: evt})
	})
	defer progressSub.Unsubscribe()
	if s.changes != nil {
		chSub := s.changes.Subscribe(channel.AnyKey, func(c channel.Change) {
			send(Message{Type: "channel", Data: c})
		})
		defer s.changes.Unsubscribe(chSub)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case m := <-out:
			if err := enc.Encode(m); err != nil {
				slog.Debug("Event stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}
