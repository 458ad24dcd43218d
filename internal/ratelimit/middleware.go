package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// ResponseHeaders lists every header Middleware owns. Values for them from
// a proxied backend would contradict the decision made here.
var ResponseHeaders = []string{HeaderLimit, HeaderRemaining, HeaderReset, HeaderRetryAfter}

// Checker is what Middleware consults; Limiter and Adaptive both satisfy it.
type Checker interface {
	Check(r *http.Request) Decision
}

type deniedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// Middleware rejects requests over the limit with 429 and reports the
// limit, remaining budget and reset time on every response. Handler panics
// are not recovered here and the counter is never rolled back.
func Middleware(c Checker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := c.Check(r)
			annotateSpan(r, d)
			SetHeaders(w.Header(), d)

			if !d.Allowed {
				secs := retrySeconds(d.RetryAfter)
				w.Header().Set(HeaderRetryAfter, strconv.FormatInt(secs, 10))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(deniedBody{
					Error:      "Rate limit exceeded",
					Message:    "Too many requests. Please try again later.",
					RetryAfter: secs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, d.ResetTime.UTC().Format(time.RFC3339))
}

func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func annotateSpan(r *http.Request, d Decision) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("ratelimit.profile", d.Profile),
		attribute.String("ratelimit.outcome", d.Outcome()),
		attribute.Int("ratelimit.limit", d.Limit),
		attribute.Int("ratelimit.remaining", d.Remaining),
	)
	if d.Reputation != TierNone {
		span.SetAttributes(attribute.String("ratelimit.reputation", string(d.Reputation)))
	}
}
