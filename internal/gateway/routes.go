package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/weanime/weanime-gateway/internal/httpmw"
	"github.com/weanime/weanime-gateway/internal/pathutil"
	"github.com/weanime/weanime-gateway/internal/ratelimit"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// Route binds a path prefix to a rate limit profile.
type Route struct {
	Prefix  string
	Profile string
}

// DefaultRoutes is the WeAnime URL layout.
var DefaultRoutes = []Route{
	{Prefix: "/api", Profile: ratelimit.ProfileAPI},
	{Prefix: "/api/auth", Profile: ratelimit.ProfileAuth},
	{Prefix: "/api/search", Profile: ratelimit.ProfileSearch},
	{Prefix: "/api/stream", Profile: ratelimit.ProfileStreaming},
	{Prefix: "/api/streaming", Profile: ratelimit.ProfileStreaming},
	{Prefix: "/api/monitoring", Profile: ratelimit.ProfileMonitoring},
}

// Mount returns a route registration func for httpserver. Each prefix
// (exact and subtree) is guarded by its profile's limiter; every other
// path goes straight to upstream. Matching uses the decoded path, the same
// one the upstream routes on. A route naming a profile missing from set is
// an error.
func Mount(set *ratelimit.Set, upstream http.Handler, routes []Route) (func(chi.Router), error) {
	if set == nil || upstream == nil {
		return nil, xerrors.New("gateway: profile set and upstream handler are required")
	}
	type bound struct {
		prefix string
		limit  func(http.Handler) http.Handler
	}
	bs := make([]bound, 0, len(routes))
	for _, rt := range routes {
		l, ok := set.Get(rt.Profile)
		if !ok {
			return nil, xerrors.Newf("gateway: route %s uses unknown profile %q", rt.Prefix, rt.Profile)
		}
		bs = append(bs, bound{prefix: rt.Prefix, limit: ratelimit.Middleware(l)})
	}

	sub := chi.NewRouter()
	sub.Use(rejectNonCanonical, routeDecodedPath, httpmw.AnnotateHTTPRoute)
	for _, b := range bs {
		h := b.limit(upstream)
		sub.Handle(b.prefix, h)
		sub.Handle(b.prefix+"/*", h)
	}
	sub.Handle("/*", upstream)

	// mounted so the middleware above runs before the profile routes match;
	// routes the caller registers on r keep precedence
	return func(r chi.Router) { r.Mount("/", sub) }, nil
}

// rejectNonCanonical answers 400 for paths with dot or empty segments. The
// upstream would clean them and could land on a route guarded by a stricter
// profile than the one matched here. The check runs on the decoded path, so
// "%2e%2e" counts as a dot segment.
func rejectNonCanonical(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pathutil.Canonical(r.URL.Path) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Bad request","message":"Malformed request path."}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routeDecodedPath makes chi match profile routes against the decoded path.
// chi prefers RawPath when one is set, so "/api/%61uth/login" and
// "/api%2Fauth/login" would miss the auth routes while the upstream still
// serves them as /api/auth/login.
func routeDecodedPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rctx.RoutePath = r.URL.Path
		}
		next.ServeHTTP(w, r)
	})
}
