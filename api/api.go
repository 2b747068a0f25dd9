// Package api is the client for the backend that stores calendar tokens on behalf of the user.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/traces"
)

const (
	tracerName = "github.com/getlantern/authflow/api"

	calendarExchangePath = "/calendar/oauth/exchange"
)

// CalendarGrant is what the backend returns after exchanging a calendar authorization code.
type CalendarGrant struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Expiry returns when the access token expires, relative to now.
func (g *CalendarGrant) Expiry() time.Time {
	if g.ExpiresIn <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(g.ExpiresIn) * time.Second)
}

type exchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
}

type Client struct {
	wc *webClient
}

// NewClient returns a backend client. httpClient may be nil.
func NewClient(cfg config.APIConfig, deviceID string, httpClient *http.Client) *Client {
	return &Client{
		wc: newWebClient(httpClient, cfg.BaseURL, deviceID, cfg.RetryMax, cfg.Timeout),
	}
}

// ExchangeCalendarCode hands the calendar authorization code to the backend, authenticated as the
// signed-in user. A rejected code is a CalendarExchangeError; a request that never got an answer is
// a NetworkError.
func (c *Client) ExchangeCalendarCode(ctx context.Context, bearer, code, redirectURI string) (*CalendarGrant, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ExchangeCalendarCode")
	defer span.End()

	if code == "" {
		return nil, traces.RecordError(ctx, common.NewError(common.CalendarExchangeError, "No authorization code received"))
	}
	var grant CalendarGrant
	err := c.wc.postJSON(ctx, calendarExchangePath, bearer, exchangeRequest{Code: code, RedirectURI: redirectURI}, &grant)
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		span.SetAttributes(attribute.Int("http.status", statusErr.Status))
		msg := "Failed to connect your calendar"
		if statusErr.Message != "" {
			msg = fmt.Sprintf("%s: %s", msg, statusErr.Message)
		}
		return nil, traces.RecordError(ctx, &common.Error{Kind: common.CalendarExchangeError, Message: msg, Err: statusErr})
	case err != nil:
		return nil, traces.RecordError(ctx, common.WrapError(common.KindOf(err), "calendar exchange", err))
	}
	if grant.AccessToken == "" {
		return nil, traces.RecordError(ctx, common.NewError(common.CalendarExchangeError, "Calendar connection returned no access token"))
	}
	slog.Debug("Calendar code exchanged", "scope", grant.Scope)
	return &grant, nil
}
