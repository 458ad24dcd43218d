package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const TraceIDHeader = "X-Trace-Id"

// TraceResponseHeaders echoes the trace ID of sampled requests so a client
// report (including a 429) can be matched to its trace.
func TraceResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
			w.Header().Set(TraceIDHeader, sc.TraceID().String())
		}
		next.ServeHTTP(w, r)
	})
}
