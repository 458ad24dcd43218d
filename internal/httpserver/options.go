package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weanime/weanime-gateway/internal/health"
	"github.com/weanime/weanime-gateway/internal/httpmw"
	"github.com/weanime/weanime-gateway/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// ClientKeyOpts controls how the rate limit key is derived.
	ClientKeyOpts httpmw.ClientKeyOptions
	Security      httpmw.SecurityOptions

	// Routes registers the gateway routes (profile groups and upstream).
	Routes func(chi.Router)

	// MaxBodyBytes caps request bodies. 0 uses DefaultMaxBodyBytes, <0 disables.
	MaxBodyBytes int64

	// WriteTimeout for the public listener. 0 uses DefaultProxyWriteTimeout
	// so long upstream streams are not cut at the ops default.
	WriteTimeout time.Duration
}
