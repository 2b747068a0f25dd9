// Package reporting sends unexpected failures to Sentry.
package reporting

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/getlantern/authflow/common/env"
)

var enabled atomic.Bool

// Init configures the Sentry client. Reporting stays disabled when no DSN is configured or
// AUTHFLOW_DISABLE_REPORTING is set.
func Init(version string) {
	if disabled, ok := env.Get[bool](env.DisableReport); ok && disabled {
		return
	}
	dsn, _ := env.Get[string](env.SentryDSN)
	if dsn == "" {
		slog.Debug("No sentry DSN configured, reporting disabled")
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          version,
	})
	if err != nil {
		slog.Error("sentry.Init:", "error", err)
		return
	}
	enabled.Store(true)
}

// Capture reports err with the given tags. It is a no-op when reporting is disabled.
func Capture(err error, tags map[string]string) {
	if err == nil || !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) bool {
	if !enabled.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

func PanicListener(msg string) {
	if !enabled.Load() {
		slog.Error("panic", "message", msg)
		return
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
	})

	sentry.CaptureMessage(msg)
	if result := sentry.Flush(6 * time.Second); !result {
		slog.Error("sentry.Flush: timeout")
	}
}
