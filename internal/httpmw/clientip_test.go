package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/weanime/weanime-gateway/internal/log"
)

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		opts    ClientKeyOptions
		want    string
	}{
		{
			name:    "xff leftmost by default",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1, 10.0.0.2"},
			want:    "203.0.113.7",
		},
		{
			name:    "xff trusted hops picks from the right",
			headers: map[string]string{"X-Forwarded-For": "6.6.6.6, 203.0.113.7, 10.0.0.2"},
			opts:    ClientKeyOptions{TrustedHops: 2},
			want:    "203.0.113.7",
		},
		{
			name: "xff with too few entries falls through to real ip",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.7",
				"X-Real-IP":       "198.51.100.4",
			},
			opts: ClientKeyOptions{TrustedHops: 3},
			want: "198.51.100.4",
		},
		{
			name:    "real ip when no xff",
			headers: map[string]string{"X-Real-IP": "198.51.100.4"},
			want:    "198.51.100.4",
		},
		{
			name: "malformed xff is skipped",
			headers: map[string]string{
				"X-Forwarded-For": "not-an-ip",
				"X-Real-IP":       "198.51.100.4",
			},
			want: "198.51.100.4",
		},
		{
			name:    "default platform header",
			headers: map[string]string{"X-Vercel-Forwarded-For": "192.0.2.10"},
			want:    "192.0.2.10",
		},
		{
			name:    "custom platform header",
			headers: map[string]string{"CF-Connecting-IP": "192.0.2.11"},
			opts:    ClientKeyOptions{PlatformHeader: "CF-Connecting-IP"},
			want:    "192.0.2.11",
		},
		{
			name:    "ipv6 is canonicalised",
			headers: map[string]string{"X-Real-IP": "2001:DB8::1"},
			want:    "2001:db8::1",
		},
		{
			name:    "v4-mapped ipv6 shares the v4 bucket",
			headers: map[string]string{"X-Real-IP": "::ffff:1.2.3.4"},
			want:    "1.2.3.4",
		},
		{
			name:   "no headers is unknown even with a peer",
			remote: "203.0.113.1:5555",
			want:   UnknownClient,
		},
		{
			name:   "peer fallback",
			remote: "203.0.113.1:5555",
			opts:   ClientKeyOptions{PeerFallback: true},
			want:   "203.0.113.1",
		},
		{
			name:   "peer fallback with garbage peer",
			remote: "garbage",
			opts:   ClientKeyOptions{PeerFallback: true},
			want:   UnknownClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/anime", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := KeyFromRequest(r, tt.opts); got != tt.want {
				t.Fatalf("KeyFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientKey_StoresKeyInContext(t *testing.T) {
	var got string
	h := ClientKey(ClientKeyOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientKeyFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "1.2.3.4" {
		t.Fatalf("context key = %q, want 1.2.3.4", got)
	}
}

func TestClientKey_UnknownIsReported(t *testing.T) {
	unknown := 0
	h := ClientKey(ClientKeyOptions{
		OnUnknown: func() { unknown++ },
		Logger:    log.Nop(),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if k := ClientKeyFromContext(r.Context()); k != UnknownClient {
			t.Errorf("context key = %q, want %q", k, UnknownClient)
		}
	}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if unknown != 3 {
		t.Fatalf("OnUnknown called %d times, want 3", unknown)
	}
}

func TestWithClientKey_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	if WithClientKey(ctx, "") != ctx {
		t.Fatal("empty key should return the same context")
	}
	if ClientKeyFromContext(ctx) != "" {
		t.Fatal("missing key should be empty")
	}
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"1.2.3.4", "1.2.3.4", true},
		{" 1.2.3.4 ", "1.2.3.4", true},
		{"::ffff:1.2.3.4", "1.2.3.4", true},
		{"2001:DB8::1", "2001:db8::1", true},
		{"2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1", true},
		{"unknown", "unknown", true},
		{"Unknown", "", false},
		{"1.2.3", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := CanonicalKey(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("CanonicalKey(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestCanonicalKey_MatchesDerivedKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "::ffff:198.51.100.7")
	derived := KeyFromRequest(r, ClientKeyOptions{})
	if got, _ := CanonicalKey("::FFFF:198.51.100.7"); got != derived {
		t.Fatalf("CanonicalKey = %q, derived key = %q", got, derived)
	}
}
