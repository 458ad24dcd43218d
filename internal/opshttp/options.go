package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/weanime/weanime-gateway/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Admin registers the rate limit admin API.
	Admin func(chi.Router)

	UseRecoverMW bool
	OnPanic      func() // called for each recovered panic, e.g. the panic counter
}
