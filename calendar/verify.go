package calendar

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/traces"
)

const tracerName = "github.com/getlantern/authflow/calendar"

// Verifier checks that an access token can read the user's calendars.
type Verifier struct {
	endpoint   string
	httpClient *http.Client
}

// NewVerifier returns a Verifier for the calendar API at cfg.APIEndpoint, or Google's when empty.
// httpClient may be nil.
func NewVerifier(cfg config.CalendarConfig, httpClient *http.Client) *Verifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: common.DefaultHTTPTimeout}
	}
	return &Verifier{
		endpoint:   cfg.APIEndpoint,
		httpClient: &http.Client{Transport: traces.NewRoundTripper(httpClient.Transport), Timeout: httpClient.Timeout},
	}
}

// Verify lists at most one calendar with accessToken. A refused token is a CalendarExchangeError,
// an unreachable API a NetworkError.
func (v *Verifier) Verify(ctx context.Context, accessToken string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Verify")
	defer span.End()

	if accessToken == "" {
		return traces.RecordError(ctx, common.NewError(common.CalendarExchangeError, "Calendar access was not granted"))
	}
	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, v.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if v.endpoint != "" {
		opts = append(opts, option.WithEndpoint(v.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return traces.RecordError(ctx, common.WrapError(common.GeneralError, "create calendar client", err))
	}

	list, err := svc.CalendarList.List().MaxResults(1).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
			err = &common.Error{Kind: common.CalendarExchangeError, Message: "Calendar access was not granted", Err: err}
		} else {
			err = common.WrapError(common.NetworkError, "could not reach the calendar service", err)
		}
		return traces.RecordError(ctx, err)
	}
	if len(list.Items) == 0 {
		return traces.RecordError(ctx, common.NewError(common.CalendarExchangeError, "No calendars found on this account"))
	}
	return nil
}
