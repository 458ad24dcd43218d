package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/weanime/weanime-gateway/internal/httpmw"
	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/ratelimit"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// ClientKeyHeader carries the derived client key to the upstream app.
// Any inbound value is replaced.
const ClientKeyHeader = "X-WeAnime-Client-Key"

type ProxyOptions struct {
	Upstream *url.URL
	Logger   log.Logger

	// OnError is called for each upstream failure answered with 502.
	OnError func()

	// FlushInterval is passed to the reverse proxy. The default (-1)
	// flushes after every write so streamed responses are not buffered.
	FlushInterval time.Duration
}

// NewProxy returns a reverse proxy to opts.Upstream. X-Forwarded-For is
// extended with the peer address and the upstream receives the client key.
// Rate limit headers in upstream responses are dropped so clients only see
// the gateway's decision.
func NewProxy(opts ProxyOptions) (*httputil.ReverseProxy, error) {
	u := opts.Upstream
	if u == nil {
		return nil, xerrors.New("gateway: upstream url is required")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Newf("gateway: upstream scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return nil, xerrors.New("gateway: upstream host is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	flush := opts.FlushInterval
	if flush == 0 {
		flush = -1
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host

			pr.Out.Header.Del(ClientKeyHeader)
			if key := httpmw.ClientKeyFromContext(pr.In.Context()); key != "" {
				pr.Out.Header.Set(ClientKeyHeader, key)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			for _, h := range ratelimit.ResponseHeaders {
				// a 503 Retry-After is maintenance, not a quota
				if h == ratelimit.HeaderRetryAfter && resp.StatusCode == http.StatusServiceUnavailable {
					continue
				}
				resp.Header.Del(h)
			}
			return nil
		},
		FlushInterval: flush,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// client went away; nobody to answer and not the upstream's fault
			if errors.Is(err, context.Canceled) {
				w.WriteHeader(499)
				return
			}
			if opts.OnError != nil {
				opts.OnError()
			}
			logger.Error(r.Context(), xerrors.Wrap(err, "upstream request"), "upstream unavailable",
				"request_id", httpmw.RequestIDFromContext(r.Context()),
				"url.path", r.URL.Path,
			)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"Bad gateway","message":"The upstream service is unavailable."}` + "\n"))
		},
	}, nil
}
