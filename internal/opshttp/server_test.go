package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/weanime/weanime-gateway/internal/health"
	"github.com/weanime/weanime-gateway/internal/log"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startOps(t *testing.T, opts *Options) int {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = getFreePort(t)
	}
	stop, err := Start(context.Background(), log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return opts.Port
}

func opsGet(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// serve runs a request through NewHandler from a loopback peer.
func serve(t *testing.T, opts *Options, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	NewHandler(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

func TestStart_ServesHealthAndMetrics(t *testing.T) {
	port := startOps(t, &Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "redis: connection refused"),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	})

	if code, body := opsGet(t, port, "/-/healthy"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthy: %d %q", code, body)
	}
	if code, body := opsGet(t, port, "/-/ready"); code != http.StatusServiceUnavailable || !strings.Contains(body, "redis") {
		t.Fatalf("ready: %d %q", code, body)
	}
	if code, body := opsGet(t, port, "/metrics"); code != http.StatusOK || body != "# metrics\n" {
		t.Fatalf("metrics: %d %q", code, body)
	}
}

func TestStart_StopIdempotent(t *testing.T) {
	opts := &Options{Port: getFreePort(t)}
	stop, err := Start(context.Background(), log.Nop(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	opts := &Options{Port: ln.Addr().(*net.TCPAddr).Port}
	if _, err := Start(context.Background(), log.Nop(), opts); err == nil {
		t.Fatal("expected error on port conflict")
	}
}

func TestNewHandler_DynamicReadiness(t *testing.T) {
	var gate health.Drain
	opts := &Options{Readiness: gate.Probe()}

	if rec := serve(t, opts, http.MethodGet, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("before drain: %d", rec.Code)
	}
	gate.Begin("shutting down")
	rec := serve(t, opts, http.MethodGet, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("draining: %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	tests := []struct {
		enabled bool
		want    int
	}{
		{true, http.StatusOK},
		{false, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("enabled=%v", tt.enabled), func(t *testing.T) {
			rec := serve(t, &Options{EnablePprof: tt.enabled}, http.MethodGet, "/debug/pprof/")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNewHandler_AdminRoutes(t *testing.T) {
	opts := &Options{Admin: func(r chi.Router) {
		r.Get("/admin/ping", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("pong")) })
	}}
	rec := serve(t, opts, http.MethodGet, "/admin/ping")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("admin: %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	opts := &Options{
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		Admin: func(r chi.Router) {
			r.Get("/admin/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
		},
	}
	rec := serve(t, opts, http.MethodGet, "/admin/boom")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d panics = %d", rec.Code, panics)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[fd00::1]:9000", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"[2001:db8::1]:443", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/ratelimit/stats", http.NoBody)
			req.RemoteAddr = tt.addr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
