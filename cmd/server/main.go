package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weanime/weanime-gateway/internal/adminhttp"
	"github.com/weanime/weanime-gateway/internal/cfg"
	"github.com/weanime/weanime-gateway/internal/gateway"
	"github.com/weanime/weanime-gateway/internal/health"
	"github.com/weanime/weanime-gateway/internal/httpmw"
	"github.com/weanime/weanime-gateway/internal/httpserver"
	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/metrics"
	"github.com/weanime/weanime-gateway/internal/opshttp"
	"github.com/weanime/weanime-gateway/internal/otelx"
	"github.com/weanime/weanime-gateway/internal/prof"
	"github.com/weanime/weanime-gateway/internal/ratelimit"
	"github.com/weanime/weanime-gateway/internal/ratestats"
	v "github.com/weanime/weanime-gateway/internal/version"
)

// drainPeriod is how long readiness fails before the listeners close, so
// the load balancer stops routing to this instance first.
const drainPeriod = 20 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.Short())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		Pretty:            conf.LogPretty,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "gateway")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing gateway",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"platform_ip_header", conf.PlatformIPHeader,
		"peer_fallback", conf.PeerFallback,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"redis_enabled", conf.RedisAddr != "",
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "gateway",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure: the collector listens on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "gateway",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "gateway", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// fail closed: a configured policy that cannot be loaded stops startup
	loaded, err := loadPolicy(ctx, conf, L)
	if err != nil {
		L.Error(ctx, err, "failed to load rate limit policy")
		os.Exit(1)
	}
	m.SetPolicy(loaded.Source, loaded.SHA256)
	policyInfo := adminhttp.PolicyInfo{
		Source:   loaded.Source,
		SHA256:   loaded.SHA256,
		Location: loaded.Location,
		Signed:   loaded.Signed,
		LoadedAt: time.Now().UTC(),
	}

	rep := ratelimit.NewReputation(ctx,
		ratelimit.WithSuspicionTTL(conf.SuspicionTTL),
		ratelimit.WithOnReputationChange(m.SetReputationKeys),
	)
	profiles := ratelimit.DefaultProfiles()
	if loaded.Document != nil {
		profiles = loaded.Document.Apply(profiles)
		loaded.Document.Seed(rep)
	}

	// optional cluster-wide decision stats
	var (
		recorder *ratestats.Recorder
		cluster  adminhttp.ClusterStats
		redisOK  health.Probe
	)
	if conf.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		recorder = ratestats.New(rdb,
			ratestats.WithPrefix(conf.RedisPrefix),
			ratestats.WithTTL(conf.RedisTTL),
			ratestats.WithTrackKeys(conf.RedisTrackKeys),
			ratestats.WithLogger(L),
			ratestats.WithOnDrop(m.IncStatsDropped),
		)
		recCtx, recCancel := context.WithCancel(context.Background())
		recorder.Start(recCtx)
		defer func() {
			recCancel()
			recorder.Wait()
		}()
		cluster = recorder
		redisOK = health.WithTimeout("redis", 500*time.Millisecond, health.CheckFunc(recorder.Ping))
		if err := recorder.Ping(ctx); err != nil {
			L.Warn(ctx, "redis not reachable at startup, stats will be dropped until it is", "error", err.Error())
		}
	}

	set, err := ratelimit.NewSet(ctx, profiles, rep,
		ratelimit.WithLogger(L),
		ratelimit.WithSweepInterval(conf.SweepInterval),
		ratelimit.WithOnDecision(func(d ratelimit.Decision) {
			m.IncDecision(d.Profile, d.Outcome())
			if recorder != nil {
				recorder.Record(d)
			}
		}),
		ratelimit.WithOnFirstDenied(func(d ratelimit.Decision) {
			L.Warn(ctx, "rate limit triggered",
				"profile", d.Profile,
				"client.key", d.Key,
				"limit", d.Limit,
				"reputation", string(d.Reputation),
				"retry_after", d.RetryAfter.String(),
			)
		}),
		ratelimit.WithOnSweep(m.ObserveSweep),
		ratelimit.WithOnSweepPanic(m.IncSweepPanic),
	)
	if err != nil {
		L.Error(ctx, err, "failed to build rate limit profiles")
		os.Exit(1)
	}

	upstream, _ := url.Parse(conf.UpstreamURL)
	proxy, err := gateway.NewProxy(gateway.ProxyOptions{
		Upstream: upstream,
		Logger:   L,
		OnError:  m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}
	routes, err := gateway.Mount(set, proxy, gateway.DefaultRoutes)
	if err != nil {
		L.Error(ctx, err, "failed to mount gateway routes")
		os.Exit(1)
	}

	var gate health.Drain
	readiness := health.All(gate.Probe(), redisOK)

	publicStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientKeyOpts: httpmw.ClientKeyOptions{
			TrustedHops:    conf.TrustedHops,
			PlatformHeader: conf.PlatformIPHeader,
			PeerFallback:   conf.PeerFallback,
			OnUnknown:      m.IncUnknownKey,
			Logger:         L,
		},
		Security: httpmw.SecurityOptions{HSTS: conf.EnableHSTS},
		Routes:   routes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}

	// the ops listener rejects public peers itself, so a misconfigured
	// security group does not expose the admin API
	admin := adminhttp.NewAPI(set, cluster, policyInfo, L)
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Admin:        admin.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = publicStop(context.Background())
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Begin("draining")
	L.Info(context.Background(), "readiness failing, draining", "period", drainPeriod.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := publicStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
