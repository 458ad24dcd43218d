package httpmw

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/weanime/weanime-gateway/internal/log"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func TestChain_Order(t *testing.T) {
	var got []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = append(got, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(okHandler), mark("a"), nil, mark("b"), mark("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("order = %v, want a,b,c", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		opts     SecurityOptions
		upstream map[string]string
		want     map[string]string
	}{
		{
			name: "defaults",
			want: map[string]string{
				"X-Content-Type-Options":    "nosniff",
				"X-Frame-Options":           "DENY",
				"Strict-Transport-Security": "",
			},
		},
		{
			name: "hsts",
			opts: SecurityOptions{HSTS: true},
			want: map[string]string{"Strict-Transport-Security": "max-age=31536000; includeSubDomains"},
		},
		{
			name:     "upstream wins",
			upstream: map[string]string{"X-Frame-Options": "SAMEORIGIN"},
			want:     map[string]string{"X-Frame-Options": "SAMEORIGIN"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := SecurityHeaders(tt.opts)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.upstream {
					w.Header().Set(k, v)
				}
				w.WriteHeader(http.StatusTeapot)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			for k, v := range tt.want {
				if got := rec.Header().Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestMaxBody(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too big", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := MaxBody(8)(echo)

	tests := []struct {
		name    string
		body    string
		chunked bool
		want    int
	}{
		{"within limit", "12345678", false, http.StatusOK},
		{"declared too large", "123456789", false, http.StatusRequestEntityTooLarge},
		{"chunked too large", "123456789", true, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.chunked {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMaxBody_Disabled(t *testing.T) {
	next := http.HandlerFunc(okHandler)
	if got := MaxBody(0)(next); got == nil {
		t.Fatal("nil handler")
	}
	rec := httptest.NewRecorder()
	MaxBody(0)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 1<<16))))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"none", "", false},
		{"valid", "abc-123_x.y", true},
		{"bad chars", "abc\ninjected", false},
		{"too long", strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID, fwdID string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
				fwdID = r.Header.Get(RequestIDHeader)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get(RequestIDHeader)
			if echoed == "" || echoed != ctxID || echoed != fwdID {
				t.Fatalf("echoed=%q ctx=%q forwarded=%q", echoed, ctxID, fwdID)
			}
			if tt.keep && echoed != tt.incoming {
				t.Fatalf("id = %q, want incoming %q", echoed, tt.incoming)
			}
			if !tt.keep && echoed == tt.incoming {
				t.Fatalf("incoming id %q should have been replaced", tt.incoming)
			}
		})
	}
}

func TestTraceResponseHeaders(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "req")
	defer span.End()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
	TraceResponseHeaders(http.HandlerFunc(okHandler)).ServeHTTP(rec, req)

	if got, want := rec.Header().Get(TraceIDHeader), span.SpanContext().TraceID().String(); got != want {
		t.Fatalf("trace id = %q, want %q", got, want)
	}

	rec = httptest.NewRecorder()
	TraceResponseHeaders(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if got := rec.Header().Get(TraceIDHeader); got != "" {
		t.Fatalf("untraced request got trace id %q", got)
	}
}

func TestRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	var got string
	r.Get("/api/search/{q}", func(_ http.ResponseWriter, r *http.Request) { got = RoutePattern(r) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/search/naruto", http.NoBody))
	if got != "/api/search/{q}" {
		t.Fatalf("pattern = %q", got)
	}

	if got := RoutePattern(httptest.NewRequest(http.MethodGet, "/raw", http.NoBody)); got != "/raw" {
		t.Fatalf("unrouted pattern = %q, want /raw", got)
	}
}

func TestWithLoggerAndAccessLog(t *testing.T) {
	spy := newSpyLogger()
	var fromCtx log.Logger
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = log.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), RequestID, ClientKey(ClientKeyOptions{}), WithLogger(spy), AccessLog)

	req := httptest.NewRequest(http.MethodGet, "/api/anime", http.NoBody)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if fromCtx != spy {
		t.Fatal("request logger not stored in context")
	}
	if v, _ := spy.field("client.key"); v != "203.0.113.9" {
		t.Fatalf("client.key = %v", v)
	}
	if v, _ := spy.field("request_id"); v == "" || v == nil {
		t.Fatal("request_id missing")
	}
	if len(spy.infos) != 1 || spy.infos[0] != "http request" {
		t.Fatalf("access log lines = %v", spy.infos)
	}
}

func TestAccessLog_SkipsHealth(t *testing.T) {
	spy := newSpyLogger()
	h := WithLogger(spy)(AccessLog(http.HandlerFunc(okHandler)))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody))
	if len(spy.infos) != 0 {
		t.Fatalf("health probe logged: %v", spy.infos)
	}
}
