package httpmw

import "net/http"

// SecurityOptions controls SecurityHeaders.
type SecurityOptions struct {
	// HSTS adds Strict-Transport-Security. Enable only when every client
	// reaches the gateway over TLS.
	HSTS bool
}

// SecurityHeaders sets baseline headers on every response. The upstream
// app owns its Content-Security-Policy, so headers it already set are left
// alone.
func SecurityHeaders(opts SecurityOptions) func(http.Handler) http.Handler {
	defaults := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"X-Frame-Options", "DENY"},
		{"X-Permitted-Cross-Domain-Policies", "none"},
	}
	if opts.HSTS {
		defaults = append(defaults, [2]string{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&headerDefaults{ResponseWriter: w, defaults: defaults}, r)
		})
	}
}

// headerDefaults fills missing headers right before they are sent.
type headerDefaults struct {
	http.ResponseWriter
	defaults [][2]string
	done     bool
}

func (h *headerDefaults) apply() {
	if h.done {
		return
	}
	h.done = true
	hdr := h.ResponseWriter.Header()
	for _, kv := range h.defaults {
		if hdr.Get(kv[0]) == "" {
			hdr.Set(kv[0], kv[1])
		}
	}
}

func (h *headerDefaults) WriteHeader(code int) {
	h.apply()
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerDefaults) Write(b []byte) (int, error) {
	h.apply()
	return h.ResponseWriter.Write(b)
}

func (h *headerDefaults) Flush() {
	h.apply()
	if f, ok := h.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *headerDefaults) Unwrap() http.ResponseWriter { return h.ResponseWriter }
