// Package telemetry exports the traces and metrics of the sign-in and calendar flows over OTLP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"

	"github.com/getlantern/osversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc/credentials"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/config"
)

// exporters holds the running SDK. Only one runs per process.
var exporters struct {
	sync.Mutex
	stop func(context.Context) error
}

// Attributes describe the install on every exported span and metric.
type Attributes struct {
	App            string
	AppVersion     string
	DeviceID       string
	GoVersion      string
	LocaleLanguage string
	LocaleCountry  string
	Platform       string
	OSName         string
	OSArch         string
	OSVersion      string
}

// NewAttributes fills in everything that can be learned from the running process.
func NewAttributes(deviceID, localeLanguage, localeCountry string) Attributes {
	attrs := Attributes{
		App:            app.Name,
		AppVersion:     app.Version,
		DeviceID:       deviceID,
		GoVersion:      runtime.Version(),
		LocaleLanguage: localeLanguage,
		LocaleCountry:  localeCountry,
		Platform:       common.Platform,
		OSName:         runtime.GOOS,
		OSArch:         runtime.GOARCH,
	}
	if osStr, err := osversion.GetHumanReadable(); err == nil {
		attrs.OSVersion = osStr
	}
	return attrs
}

// OnNewConfig restarts the exporters when the otel section of the configuration changed.
func OnNewConfig(oldConfig, newConfig *config.Config, attrs Attributes) error {
	if oldConfig != nil && reflect.DeepEqual(oldConfig.OTEL, newConfig.OTEL) {
		slog.Debug("Telemetry settings unchanged")
		return nil
	}
	if err := Init(context.Background(), newConfig.OTEL, attrs); err != nil {
		slog.Error("Could not start telemetry", "error", err)
		return err
	}
	return nil
}

// Init stops any running exporters and starts new ones for cfg. Nothing is started without an
// endpoint.
func Init(ctx context.Context, cfg config.OTEL, attrs Attributes) error {
	exporters.Lock()
	defer exporters.Unlock()

	if err := stopLocked(ctx); err != nil {
		return err
	}
	if cfg.Endpoint == "" {
		slog.Debug("No telemetry endpoint configured")
		return nil
	}
	stop, err := start(ctx, cfg, attrs)
	if err != nil {
		_ = stop(ctx)
		return fmt.Errorf("start telemetry: %w", err)
	}
	exporters.stop = stop
	return nil
}

// Close flushes and stops the exporters.
func Close(ctx context.Context) error {
	exporters.Lock()
	defer exporters.Unlock()
	return stopLocked(ctx)
}

func stopLocked(ctx context.Context) error {
	if exporters.stop == nil {
		return nil
	}
	slog.Info("Stopping telemetry exporters")
	err := exporters.stop(ctx)
	exporters.stop = nil
	if err != nil {
		return fmt.Errorf("stop telemetry: %w", err)
	}
	return nil
}

func resourceAttributes(serviceName string, a Attributes) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(a.AppVersion),
		attribute.String("device.id", a.DeviceID),
		attribute.String("library.language", "go"),
		attribute.String("library.language.version", a.GoVersion),
		attribute.String("locale.language", a.LocaleLanguage),
		attribute.String("locale.country", a.LocaleCountry),
		attribute.String("platform", a.Platform),
		attribute.String("os.name", a.OSName),
		attribute.String("os.arch", a.OSArch),
		attribute.String("os.version", a.OSVersion),
	}
}

// start installs the global tracer and meter providers enabled by cfg. The returned func stops
// whatever was started, even when start fails half way.
func start(ctx context.Context, cfg config.OTEL, attrs Attributes) (func(context.Context) error, error) {
	var stops []func(context.Context) error
	stop := func(ctx context.Context) error {
		var errs error
		for _, fn := range stops {
			errs = errors.Join(errs, fn(ctx))
		}
		stops = nil
		return errs
	}
	if !cfg.Traces && !cfg.Metrics {
		return stop, nil
	}

	serviceName := attrs.App
	if serviceName == "" {
		serviceName = app.Name
	}
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(serviceName, attrs)...))
	if err != nil {
		return stop, fmt.Errorf("describe resource: %w", err)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tls := credentials.NewClientTLSFromCert(nil, "")
	if cfg.Traces {
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithTLSCredentials(tls),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		))
		if err != nil {
			return stop, fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracesSampleRate))),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		// the provider flushes through the exporter, so it stops first
		stops = append(stops, tp.Shutdown, exporter.Shutdown)
		slog.Info("Exporting traces", "endpoint", cfg.Endpoint, "sampleRate", cfg.TracesSampleRate)
	}

	if cfg.Metrics {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithTLSCredentials(tls),
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithHeaders(cfg.Headers),
		)
		if err != nil {
			return stop, fmt.Errorf("metric exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.MetricsInterval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricsInterval))
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		)
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
		slog.Info("Exporting metrics", "endpoint", cfg.Endpoint, "interval", cfg.MetricsInterval)
	}
	return stop, nil
}
