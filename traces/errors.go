// Package traces provides utilities for working with OpenTelemetry traces.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/authflow/common"
)

// RecordError logs err, records it on the span in ctx together with its kind, and returns it
// unchanged so it can be used in return statements.
func RecordError(ctx context.Context, err error, options ...trace.EventOption) error {
	if err == nil {
		return nil
	}
	kind := common.KindOf(err)
	level := slog.LevelError
	if common.Expected(kind) {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "Error occurred", "kind", kind, "error", err)
	span := trace.SpanFromContext(ctx)
	options = append(options, trace.WithAttributes(attribute.String("error.kind", string(kind))))
	span.RecordError(err, options...)
	span.SetStatus(codes.Error, string(kind))
	return err
}
