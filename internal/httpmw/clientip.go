package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/weanime/weanime-gateway/internal/log"
)

// UnknownClient is the shared key used when no source yields an IP.
// Every such request lands in the same quota bucket.
const UnknownClient = "unknown"

// DefaultPlatformHeader is the hosting platform's own forwarded-for header.
const DefaultPlatformHeader = "X-Vercel-Forwarded-For"

type clientKeyKey struct{}

// ClientKeyOptions configures client key derivation.
type ClientKeyOptions struct {
	// TrustedHops selects which X-Forwarded-For entry is the client.
	// 0 = leftmost entry, N>0 = Nth entry from the right (N proxies we run
	// append to the header). Too few entries skips the header.
	TrustedHops int

	// PlatformHeader is tried after X-Real-IP. Empty uses DefaultPlatformHeader.
	PlatformHeader string

	// PeerFallback tries the TCP peer address before giving up and
	// returning UnknownClient.
	PeerFallback bool

	// OnUnknown is called every time a request falls back to UnknownClient.
	OnUnknown func()

	// Logger receives a sampled warning (at most once a minute) for
	// UnknownClient fallbacks. nil disables the warning.
	Logger log.Logger
}

// ClientKey returns middleware that derives the client key and stores it in
// the request context for the rate limiter and access logs.
func ClientKey(opts ClientKeyOptions) func(http.Handler) http.Handler {
	warn := &rate.Sometimes{Interval: time.Minute}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := KeyFromRequest(r, opts)
			if key == UnknownClient {
				if opts.OnUnknown != nil {
					opts.OnUnknown()
				}
				if opts.Logger != nil {
					warn.Do(func() {
						opts.Logger.Warn(r.Context(), "client key fell back to shared bucket",
							"client.key", UnknownClient,
							"url.path", r.URL.Path,
							"has_xff", r.Header.Get("X-Forwarded-For") != "",
							"has_real_ip", r.Header.Get("X-Real-IP") != "",
						)
					})
				}
			}
			next.ServeHTTP(w, r.WithContext(WithClientKey(r.Context(), key)))
		})
	}
}

// KeyFromRequest derives the client key: X-Forwarded-For, then X-Real-IP,
// then the platform header, then (optionally) the peer address, then
// UnknownClient. A candidate that does not parse as an IP is skipped.
func KeyFromRequest(r *http.Request, opts ClientKeyOptions) string {
	if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), opts.TrustedHops); ip != "" {
		return ip
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	hdr := opts.PlatformHeader
	if hdr == "" {
		hdr = DefaultPlatformHeader
	}
	if ip := forwardedFor(r.Header.Get(hdr), 0); ip != "" {
		return ip
	}
	if opts.PeerFallback {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := parseIP(host); ip != "" {
			return ip
		}
	}
	return UnknownClient
}

func forwardedFor(v string, trustedHops int) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	idx := 0
	if trustedHops > 0 {
		idx = len(parts) - trustedHops
		if idx < 0 {
			// fewer entries than proxies, header was not written by us
			return ""
		}
	}
	return parseIP(parts[idx])
}

// CanonicalKey returns the form KeyFromRequest produces for s: a canonical
// IP address, or UnknownClient. ok is false when s is neither. Lists that
// are matched against client keys should be normalized with it.
func CanonicalKey(s string) (key string, ok bool) {
	s = strings.TrimSpace(s)
	if s == UnknownClient {
		return s, true
	}
	if ip := parseIP(s); ip != "" {
		return ip, true
	}
	return "", false
}

// parseIP returns the canonical form so "::ffff:1.2.3.4" and "1.2.3.4"
// share a bucket.
func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func ClientKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(clientKeyKey{}).(string)
	return k
}

func WithClientKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, clientKeyKey{}, key)
}
