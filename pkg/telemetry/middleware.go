package telemetry

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPServerTraceExtractor continues the caller's trace in requests served by h, so that calls
// executed on a remote worker appear under the stream that dispatched them. Unlike
// [otelhttp.NewHandler] it creates no span of its own.
func HTTPServerTraceExtractor(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
