// Package calendar starts calendar connection attempts and checks that a granted calendar token
// actually works.
package calendar

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/common/atomicfile"
	"github.com/getlantern/authflow/config"
)

const (
	connectingMessage = "Connecting to your calendar..."

	// consentMaxAge bounds how long a consent URL can be answered.
	consentMaxAge = 15 * time.Minute
)

// pendingConsent is the state of the last consent URL handed out.
type pendingConsent struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// StageWriter is the part of the connection channel a Connector writes to.
type StageWriter interface {
	Apply(set map[string]string, del ...string) error
}

// Connector sends the user to the calendar consent dialog. The dialog redirects back to the
// callback route with a single use authorization code.
type Connector struct {
	conf        *oauth2.Config
	pendingPath string
	channel     StageWriter
	openBrowser func(string) error
}

// NewConnector returns a Connector for cfg that keeps the pending consent state in dataDir.
// Google's endpoints are used when cfg has none.
func NewConnector(cfg config.CalendarConfig, dataDir string, ch StageWriter, openBrowser func(string) error) *Connector {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &Connector{
		conf: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Endpoint:    endpoint,
		},
		pendingPath: filepath.Join(dataDir, app.CalendarPendingFile),
		channel:     ch,
		openBrowser: openBrowser,
	}
}

// ConsentURL returns a fresh consent URL and records its state, replacing any earlier one. Offline
// access and a forced consent prompt make the provider issue a refresh token every time, which the
// backend needs to keep the connection alive.
func (c *Connector) ConsentURL() (string, error) {
	state := uuid.NewString()
	if err := atomicfile.WriteJSON(c.pendingPath, pendingConsent{State: state, CreatedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("recording consent state: %w", err)
	}
	return c.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// RetryURL returns the URL a user follows to try again after a failed connection, or "" when none
// could be prepared. Authorization codes are single use, so a retry always goes back through
// consent.
func (c *Connector) RetryURL() string {
	u, err := c.ConsentURL()
	if err != nil {
		slog.Error("Could not prepare calendar retry", "error", err)
		return ""
	}
	return u
}

// CheckState accepts the state of a consent callback when it matches the last consent URL handed
// out, and consumes it. Anything else is a CalendarExchangeError; a mismatch leaves the pending
// state in place so the genuine callback can still arrive.
func (c *Connector) CheckState(state string) error {
	var pending pendingConsent
	found, err := atomicfile.ReadJSON(c.pendingPath, &pending)
	if err != nil {
		_ = atomicfile.Remove(c.pendingPath)
		return common.WrapError(common.CalendarExchangeError, "Could not verify the calendar connection request", err)
	}
	if !found {
		return common.NewError(common.CalendarExchangeError, "No calendar connection is in progress. Please try again.")
	}
	if time.Since(pending.CreatedAt) > consentMaxAge {
		_ = atomicfile.Remove(c.pendingPath)
		return common.NewError(common.CalendarExchangeError, "The calendar connection request expired. Please try again.")
	}
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		slog.Warn("Calendar callback state does not match the pending consent")
		return common.NewError(common.CalendarExchangeError, "The calendar connection request did not match. Please try again.")
	}
	return atomicfile.Remove(c.pendingPath)
}

// Begin records a new connection attempt in the channel and opens the consent dialog. destination
// is where the progress view goes once the attempt ends; empty means the default.
func (c *Connector) Begin(ctx context.Context, destination string) (string, error) {
	if destination != "" && !isLocalPath(destination) {
		return "", fmt.Errorf("destination %q is not a local path", destination)
	}
	set := map[string]string{
		channel.StageKey:   string(channel.StageConnecting),
		channel.MessageKey: connectingMessage,
	}
	if destination != "" {
		set[channel.DestinationKey] = destination
	}
	if err := c.channel.Apply(set, channel.CompleteKey); err != nil {
		return "", fmt.Errorf("recording connection attempt: %w", err)
	}

	consentURL, err := c.ConsentURL()
	if err != nil {
		return "", err
	}
	slog.Debug("Opening browser", "url", consentURL)
	if c.openBrowser != nil {
		if err := c.openBrowser(consentURL); err != nil {
			slog.Info("Failed to automatically open browser", "err", err)
			slog.Info("Please manually open the following URL in your browser", "url", consentURL)
		}
	}
	return consentURL, nil
}

// isLocalPath accepts absolute paths on the same origin, so a destination cannot send the user to
// another site.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}
