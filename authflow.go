// Package authflow wires the sign-in and calendar connection flows together: the session store, the
// cross-tab connection channel, the landing route handlers, the progress view and the route gate.
// A [Flow] owns every long lived resource and releases them in [Flow.Close].
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Xuanwo/go-locale"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	traceNoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/getlantern/authflow/api"
	"github.com/getlantern/authflow/calendar"
	"github.com/getlantern/authflow/channel"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/common/deviceid"
	"github.com/getlantern/authflow/common/env"
	"github.com/getlantern/authflow/config"
	"github.com/getlantern/authflow/event"
	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/gate"
	"github.com/getlantern/authflow/handlers"
	"github.com/getlantern/authflow/landing"
	"github.com/getlantern/authflow/progress"
	"github.com/getlantern/authflow/provider"
	"github.com/getlantern/authflow/session"
	"github.com/getlantern/authflow/tab"
	"github.com/getlantern/authflow/telemetry"
	"github.com/getlantern/authflow/traces"
)

const tracerName = "github.com/getlantern/authflow"

type Options struct {
	DataDir  string
	LogDir   string
	LogLevel string
	// ConfigPath is a JSON or YAML config file. It is watched for changes.
	ConfigPath string
	Locale     string
	// OpenBrowser opens sign-in and consent URLs. Defaults to the system browser.
	OpenBrowser func(url string) error
	// HTTPClient is used for the identity provider, the backend and the calendar API.
	HTTPClient *http.Client
	// User choice for telemetry consent
	TelemetryConsent bool
	// DisableLanding skips the loopback landing server, for embedders that serve the routes
	// themselves.
	DisableLanding bool
}

type Flow struct {
	confHandler *config.Handler
	channel     *channel.Channel
	store       *session.Store
	connector   *calendar.Connector
	landing     *landing.Server
	attrs       telemetry.Attributes

	shutdownFuncs    []func(context.Context) error
	closeOnce        sync.Once
	telemetryConsent atomic.Bool
}

// NewFlow initializes logging, loads the configuration, restores the persisted session and, unless
// disabled, starts the landing server.
func NewFlow(opts Options) (*Flow, error) {
	if opts.Locale == "" {
		if tag, err := locale.Detect(); err != nil {
			opts.Locale = "en-US"
		} else {
			opts.Locale = tag.String()
		}
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath, _ = env.Get[string](env.ConfigPath)
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = common.OpenBrowser
	}

	if err := common.Init(opts.DataDir, opts.LogDir, opts.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	f := &Flow{}
	f.addShutdownFunc(common.Close)

	confHandler, err := config.NewHandler(opts.ConfigPath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	f.confHandler = confHandler
	f.addShutdownFunc(func(context.Context) error { return confHandler.Stop() })
	cfg := confHandler.GetConfig()

	dataDir := common.DataPath()
	deviceID := deviceid.Get(dataDir)
	lang, country, _ := strings.Cut(opts.Locale, "-")
	f.attrs = telemetry.NewAttributes(deviceID, lang, country)

	ch, err := channel.Open(dataDir)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open connection channel: %w", err)
	}
	f.channel = ch
	f.addShutdownFunc(func(context.Context) error { return ch.Close() })

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}
	tracedClient := &http.Client{
		Transport: traces.NewRoundTripper(httpClient.Transport),
		Timeout:   httpClient.Timeout,
	}

	var verifier session.AccessVerifier
	if cfg.Calendar.Verify {
		verifier = calendar.NewVerifier(cfg.Calendar, httpClient)
	}
	f.store = session.NewStore(session.Options{
		DataDir:             dataDir,
		Provider:            provider.NewOAuth(cfg.Identity, cfg.Calendar.Scopes, dataDir, tracedClient),
		Exchanger:           api.NewClient(cfg.API, deviceID, httpClient),
		Verifier:            verifier,
		Channel:             ch,
		OpenBrowser:         opts.OpenBrowser,
		CalendarRedirectURL: cfg.Calendar.RedirectURL,
		RefreshInterval:     cfg.Timing.RefreshInterval,
		RefreshWindow:       cfg.Timing.RefreshWindow,
		SignInTimeout:       cfg.Timing.SignInTimeout,
	})
	f.addShutdownFunc(func(context.Context) error { return f.store.Close() })
	if err := f.store.Restore(context.Background()); err != nil {
		slog.Warn("Failed to restore session", "error", err)
	}

	// other tabs and processes write the stage; mirror it into the session
	stageSub := ch.Subscribe(channel.StageKey, func(c channel.Change) {
		f.store.SetCalendarStage(channel.Stage(c.New))
	})
	f.addShutdownFunc(func(context.Context) error {
		ch.Unsubscribe(stageSub)
		return nil
	})

	f.connector = calendar.NewConnector(cfg.Calendar, dataDir, ch, opts.OpenBrowser)

	f.telemetryConsent.Store(opts.TelemetryConsent)
	if opts.TelemetryConsent {
		if err := telemetry.OnNewConfig(nil, cfg, f.attrs); err != nil {
			slog.Warn("Failed to initialize telemetry", "error", err)
		}
	}
	configSub := events.Subscribe(func(evt config.NewConfigEvent) {
		if !f.telemetryConsent.Load() {
			slog.Info("Telemetry consent not given; skipping telemetry initialization")
			return
		}
		if err := telemetry.OnNewConfig(evt.Old, evt.New, f.attrs); err != nil {
			slog.Error("Failed to handle new config for telemetry", "error", err)
		}
	})
	f.addShutdownFunc(func(context.Context) error {
		configSub.Unsubscribe()
		return nil
	}, telemetry.Close)

	if !opts.DisableLanding && cfg.Landing.Enabled {
		srv := landing.NewServer(cfg.Routes, f, ch)
		if err := srv.Start(cfg.Landing.Addr); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to start landing server: %w", err)
		}
		f.landing = srv
		f.addShutdownFunc(srv.Close)
		slog.Info("Landing server listening", "addr", srv.Addr())
	}
	return f, nil
}

// addShutdownFunc adds shutdown functions, run in reverse order on Close.
func (f *Flow) addShutdownFunc(fns ...func(context.Context) error) {
	for _, fn := range fns {
		if fn != nil {
			f.shutdownFuncs = append(f.shutdownFuncs, fn)
		}
	}
}

// Close releases everything the flow started. It is safe to call more than once.
func (f *Flow) Close() error {
	var errs error
	f.closeOnce.Do(func() {
		slog.Debug("Closing authflow")
		for i := len(f.shutdownFuncs) - 1; i >= 0; i-- {
			if err := f.shutdownFuncs[i](context.Background()); err != nil {
				slog.Error("Failed to shutdown", "error", err)
				errs = errors.Join(errs, err)
			}
		}
	})
	return errs
}

// Config returns the current configuration.
func (f *Flow) Config() *config.Config {
	return f.confHandler.GetConfig()
}

func (f *Flow) Session() session.Session {
	return f.store.Snapshot()
}

// Store returns the session store.
func (f *Flow) Store() *session.Store {
	return f.store
}

func (f *Flow) Channel() *channel.Channel {
	return f.channel
}

// LandingAddr returns the address of the landing server, or "" when it is not running.
func (f *Flow) LandingAddr() string {
	if f.landing == nil {
		return ""
	}
	return f.landing.Addr()
}

// NewTab opens a tab at initial.
func (f *Flow) NewTab(initial string, opts ...tab.Option) (*tab.Tab, error) {
	cfg := f.Config()
	opts = append([]tab.Option{tab.WithStorageTTL(cfg.Timing.MarkerTTL)}, opts...)
	return tab.New(initial, opts...)
}

func (f *Flow) RedirectHandler(t handlers.Tab) *handlers.RedirectHandler {
	cfg := f.Config()
	return handlers.NewRedirectHandler(t, f.store, cfg.Routes, cfg.Timing.RedirectErrorDelay)
}

func (f *Flow) CallbackHandler() *handlers.CallbackHandler {
	return handlers.NewCallbackHandler(f.store, f.connector, f.channel, f.connector.RetryURL)
}

func (f *Flow) ProgressView(nav tab.Navigator) *progress.View {
	return progress.NewView(f.channel, nav, f.Config().Timing)
}

func (f *Flow) Gate(nav tab.Navigator) *gate.Gate {
	cfg := f.Config()
	redirectPath := cfg.Routes.Redirect
	return gate.New(nav, f.store, cfg.Routes.PublicRoutes,
		gate.DefaultMarkers(redirectPath, cfg.Identity.Domain, cfg.Identity.Brand))
}

// SignIn opens the identity provider's sign-in page and returns its URL.
func (f *Flow) SignIn(ctx context.Context) (string, error) {
	return f.store.SignIn(ctx)
}

// ConnectCalendar starts a calendar connection attempt. destination is where the progress view
// goes when the attempt ends; empty means the home route.
func (f *Flow) ConnectCalendar(ctx context.Context, destination string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ConnectCalendar")
	defer span.End()
	if !f.store.Snapshot().SignedIn() {
		return "", traces.RecordError(ctx, common.NewError(common.AuthResolutionError, "Sign in before connecting your calendar"))
	}
	f.store.SetCalendarStage(channel.StageConnecting)
	return f.connector.Begin(ctx, destination)
}

func (f *Flow) SignOut(ctx context.Context) error {
	return f.store.SignOut(ctx)
}

// HandleRedirect runs the redirect handler in a new tab opened at landingURL.
func (f *Flow) HandleRedirect(ctx context.Context, landingURL *url.URL) error {
	t, err := f.NewTab(landingURL.String())
	if err != nil {
		return common.WrapError(common.GeneralError, "open landing tab", err)
	}
	return f.RedirectHandler(t).Run(ctx)
}

// HandleCallback runs the consent callback handler for landingURL.
func (f *Flow) HandleCallback(ctx context.Context, landingURL *url.URL) handlers.CallbackResult {
	return f.CallbackHandler().Run(ctx, landingURL)
}

// EnableTelemetry enables OpenTelemetry instrumentation and starts it with the current config.
func (f *Flow) EnableTelemetry() {
	slog.Info("Enabling telemetry")
	f.telemetryConsent.Store(true)
	if err := telemetry.OnNewConfig(nil, f.Config(), f.attrs); err != nil {
		slog.Warn("Failed to initialize telemetry on enabling", "error", err)
	}
}

// DisableTelemetry disables OpenTelemetry instrumentation.
func (f *Flow) DisableTelemetry() {
	slog.Info("Disabling telemetry")
	f.telemetryConsent.Store(false)
	if err := telemetry.Close(context.Background()); err != nil {
		slog.Warn("Failed to stop telemetry", "error", err)
	}
	otel.SetTracerProvider(traceNoop.NewTracerProvider())
	otel.SetMeterProvider(noop.NewMeterProvider())
}

// SubscribeChannel calls fn for every change of the connection channel, from any tab or process.
func (f *Flow) SubscribeChannel(fn func(channel.Change)) *event.Subscription {
	return f.channel.Subscribe(channel.AnyKey, fn)
}
