// Package metrics records counters for the sign-in and calendar connection flows. Instruments are
// created from the global meter provider, so they are no-ops until telemetry is initialised.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/getlantern/authflow/metrics"

type metricsManager struct {
	signIns           metric.Int64Counter
	redirects         metric.Int64Counter
	calendarExchanges metric.Int64Counter
	exchangeDuration  metric.Float64Histogram
	progressExits     metric.Int64Counter
	tokenRefreshes    metric.Int64Counter
}

var metrics = newMetricsManager()

func newMetricsManager() *metricsManager {
	meter := otel.GetMeterProvider().Meter(meterName)
	return &metricsManager{
		signIns:           counter(meter, "authflow.sign_ins", "Sign-in redirects started"),
		redirects:         counter(meter, "authflow.redirects", "Sign-in redirects resolved, by outcome"),
		calendarExchanges: counter(meter, "authflow.calendar_exchanges", "Calendar code exchanges, by outcome"),
		exchangeDuration:  histogram(meter, "authflow.calendar_exchange_duration", "Calendar code exchange duration"),
		progressExits:     counter(meter, "authflow.progress_exits", "Connection progress views finished, by reason"),
		tokenRefreshes:    counter(meter, "authflow.token_refreshes", "Background credential refreshes, by outcome"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func histogram(meter metric.Meter, name, desc string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil {
		return noop.Float64Histogram{}
	}
	return h
}

func outcome(v string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", v))
}

func SignInStarted(ctx context.Context) {
	metrics.signIns.Add(ctx, 1)
}

// RedirectResolved counts a resolved sign-in redirect. result is signed_in, no_redirect,
// incomplete or error.
func RedirectResolved(ctx context.Context, result string) {
	metrics.redirects.Add(ctx, 1, outcome(result))
}

func CalendarExchange(ctx context.Context, result string, took time.Duration) {
	metrics.calendarExchanges.Add(ctx, 1, outcome(result))
	metrics.exchangeDuration.Record(ctx, took.Seconds(), outcome(result))
}

// ProgressExit counts a progress view leaving, because the attempt completed or because the
// fallback timer fired.
func ProgressExit(ctx context.Context, reason string) {
	metrics.progressExits.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func TokenRefresh(ctx context.Context, result string) {
	metrics.tokenRefreshes.Add(ctx, 1, outcome(result))
}
