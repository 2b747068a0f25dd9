package traces

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewRoundTripper wraps rt with OpenTelemetry instrumentation. Connection setup steps are added to
// the request span as attributes so slow sign-ins can be attributed to DNS, TCP or TLS.
func NewRoundTripper(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return otelhttp.NewTransport(rt,
		otelhttp.WithClientTrace(clientTrace),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Host + r.URL.Path
		}),
	)
}

func clientTrace(ctx context.Context) *httptrace.ClientTrace {
	span := trace.SpanFromContext(ctx)
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			span.SetAttributes(attribute.Bool("conn.reused", info.Reused))
		},
		DNSDone: func(di httptrace.DNSDoneInfo) {
			if di.Err != nil {
				RecordError(ctx, di.Err)
			}
		},
		ConnectDone: func(network, addr string, err error) {
			if err != nil {
				RecordError(ctx, err)
				return
			}
			span.SetAttributes(attribute.String("conn.network", network))
		},
		TLSHandshakeDone: func(cs tls.ConnectionState, err error) {
			if err != nil {
				RecordError(ctx, err)
				return
			}
			span.SetAttributes(attribute.String("tls.server_name", cs.ServerName))
		},
	}
}
