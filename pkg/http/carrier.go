package http

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// injectTraceContext writes the span context of ctx into header using the
// global propagator.
func injectTraceContext(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// propagateHook runs before every request, after the client span was started.
func propagateHook(_ *resty.Client, r *resty.Request) error {
	injectTraceContext(r.Context(), r.Header)
	return nil
}

// redactURL drops credentials and the query string, which may carry secrets,
// before a URL is recorded on a span.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
