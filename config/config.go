/*
Package config loads the settings of the sign-in and calendar connection flows. Defaults are applied
first, then the config file (JSON or YAML), then AUTHFLOW_* environment overrides.
*/
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/getlantern/authflow/common/env"
)

type Config struct {
	Identity IdentityConfig `json:"identity"`
	Calendar CalendarConfig `json:"calendar"`
	API      APIConfig      `json:"api"`
	Routes   Routes         `json:"routes"`
	Timing   Timing         `json:"timing"`
	Landing  LandingConfig  `json:"landing"`
	OTEL     OTEL           `json:"otel"`
}

// IdentityConfig describes the OAuth 2.0 / OpenID Connect identity provider.
type IdentityConfig struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	AuthURL      string   `json:"authUrl"`
	TokenURL     string   `json:"tokenUrl"`
	RedirectURL  string   `json:"redirectUrl"`
	Scopes       []string `json:"scopes"`
	// Domain and Brand identify the provider in URLs. They are used to recognise a location that is
	// part of the sign-in flow.
	Domain string `json:"domain"`
	Brand  string `json:"brand"`
}

// CalendarConfig describes the calendar consent dialog and the calendar API.
type CalendarConfig struct {
	ClientID    string   `json:"clientId"`
	AuthURL     string   `json:"authUrl"`
	TokenURL    string   `json:"tokenUrl"`
	RedirectURL string   `json:"redirectUrl"`
	Scopes      []string `json:"scopes"`
	// Verify checks that the granted token can list calendars before reporting completion.
	Verify bool `json:"verify"`
	// APIEndpoint overrides the calendar API base URL.
	APIEndpoint string `json:"apiEndpoint"`
}

type APIConfig struct {
	BaseURL  string        `json:"baseUrl"`
	Timeout  time.Duration `json:"timeout"`
	RetryMax int           `json:"retryMax"`
}

type Routes struct {
	Public   string `json:"public"`
	Home     string `json:"home"`
	Redirect string `json:"redirect"`
	Callback string `json:"callback"`
	Progress string `json:"progress"`
	// PublicRoutes never require a signed-in user.
	PublicRoutes []string `json:"publicRoutes"`
}

type Timing struct {
	RedirectErrorDelay     time.Duration `json:"redirectErrorDelay"`
	CompletionDisplayDelay time.Duration `json:"completionDisplayDelay"`
	FallbackTimeout        time.Duration `json:"fallbackTimeout"`
	RefreshInterval        time.Duration `json:"refreshInterval"`
	RefreshWindow          time.Duration `json:"refreshWindow"`
	MarkerTTL              time.Duration `json:"markerTtl"`
	SignInTimeout          time.Duration `json:"signInTimeout"`
}

type LandingConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type OTEL struct {
	Endpoint         string            `json:"endpoint"`
	Headers          map[string]string `json:"headers"`
	Traces           bool              `json:"traces"`
	Metrics          bool              `json:"metrics"`
	TracesSampleRate float64           `json:"tracesSampleRate"`
	MetricsInterval  time.Duration     `json:"metricsInterval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			RedirectURL: "http://127.0.0.1:8765/auth/redirect",
			Scopes:      []string{"openid", "email", "profile"},
			Domain:      "accounts.google.com",
			Brand:       "google",
		},
		Calendar: CalendarConfig{
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			RedirectURL: "http://127.0.0.1:8765/oauth/callback",
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar.readonly",
				"https://www.googleapis.com/auth/calendar.events",
			},
		},
		API: APIConfig{
			BaseURL:  "https://api.example.invalid",
			Timeout:  30 * time.Second,
			RetryMax: 2,
		},
		Routes: Routes{
			Public:       "/",
			Home:         "/dashboard",
			Redirect:     "/auth/redirect",
			Callback:     "/oauth/callback",
			Progress:     "/calendar/connecting",
			PublicRoutes: []string{"/", "/login", "/signup", "/privacy", "/terms"},
		},
		Timing: Timing{
			RedirectErrorDelay:     2 * time.Second,
			CompletionDisplayDelay: 1500 * time.Millisecond,
			FallbackTimeout:        30 * time.Second,
			RefreshInterval:        time.Minute,
			RefreshWindow:          5 * time.Minute,
			MarkerTTL:              5 * time.Minute,
			SignInTimeout:          15 * time.Minute,
		},
		Landing: LandingConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8765",
		},
		OTEL: OTEL{
			TracesSampleRate: 0.1,
			MetricsInterval:  time.Minute,
		},
	}
}

// Load reads the configuration at path on top of the defaults. An empty path, or a path that does
// not exist, yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	parser := kjson.Parser()

	defaults, err := json.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), parser); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if isYAML(path) {
				if raw, err = yaml.YAMLToJSON(raw); err != nil {
					return nil, fmt.Errorf("convert yaml config: %w", err)
				}
			}
			if err := k.Load(rawbytes.Provider(raw), parser); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
			}
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func applyEnv(cfg *Config) {
	if v, ok := env.Get[string](env.ClientID); ok {
		cfg.Identity.ClientID = v
		if cfg.Calendar.ClientID == "" {
			cfg.Calendar.ClientID = v
		}
	}
	if v, ok := env.Get[string](env.ClientSecret); ok {
		cfg.Identity.ClientSecret = v
	}
	if v, ok := env.Get[string](env.APIBaseURL); ok {
		cfg.API.BaseURL = v
	}
	if v, ok := env.Get[string](env.OTELEndpoint); ok {
		cfg.OTEL.Endpoint = v
	}
	if v, ok := env.Get[time.Duration](env.FallbackTimeout); ok {
		cfg.Timing.FallbackTimeout = v
	}
}

// Validate reports the first setting that would make the flows misbehave.
func (c *Config) Validate() error {
	routes := map[string]string{
		"routes.public":   c.Routes.Public,
		"routes.home":     c.Routes.Home,
		"routes.redirect": c.Routes.Redirect,
		"routes.callback": c.Routes.Callback,
		"routes.progress": c.Routes.Progress,
	}
	for name, route := range routes {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("%s must be an absolute path, got %q", name, route)
		}
	}
	durations := map[string]time.Duration{
		"timing.completionDisplayDelay": c.Timing.CompletionDisplayDelay,
		"timing.fallbackTimeout":        c.Timing.FallbackTimeout,
		"timing.refreshInterval":        c.Timing.RefreshInterval,
		"timing.signInTimeout":          c.Timing.SignInTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Timing.RedirectErrorDelay < 0 {
		return fmt.Errorf("timing.redirectErrorDelay must not be negative")
	}
	if c.Timing.FallbackTimeout <= c.Timing.CompletionDisplayDelay {
		return fmt.Errorf("timing.fallbackTimeout (%s) must exceed timing.completionDisplayDelay (%s)",
			c.Timing.FallbackTimeout, c.Timing.CompletionDisplayDelay)
	}
	return nil
}
