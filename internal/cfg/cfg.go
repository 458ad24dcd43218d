package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/weanime/weanime-gateway/internal/log"
)

// EnvPrefix is prepended to every env var name.
const EnvPrefix = "WEANIME_"

type App struct {
	LogJSON           bool
	LogPretty         bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	UpstreamURL      string
	TrustedHops      int
	PlatformIPHeader string
	PeerFallback     bool
	EnableHSTS       bool

	SweepInterval time.Duration
	SuspicionTTL  time.Duration

	PolicyFile          string
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	RedisTTL       time.Duration
	RedisTrackKeys bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.BoolVar(&c.LogPretty, "log-pretty", false, "colourised console logs when -log-json=false")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error chain links in log records")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops/admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.05, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "WeAnime app that allowed requests are forwarded to")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "proxies in front of the gateway that append to X-Forwarded-For (0 = use leftmost entry)")
	fs.StringVar(&c.PlatformIPHeader, "platform-ip-header", "X-Vercel-Forwarded-For", "hosting platform client IP header, tried after X-Real-IP")
	fs.BoolVar(&c.PeerFallback, "peer-fallback", false, "use the TCP peer address before the shared \"unknown\" bucket")
	fs.BoolVar(&c.EnableHSTS, "enable-hsts", false, "send Strict-Transport-Security on public responses")

	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "how often expired rate limit entries are evicted")
	fs.DurationVar(&c.SuspicionTTL, "suspicion-ttl", time.Hour, "how long a suspicious mark lasts")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "local rate limit policy YAML (exclusive with -policy-ssm-param)")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the sha256 of the current policy document")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding policy documents")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "weanime/gateway/policy", "s3 prefix (key) of policy documents")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy signature verification")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for cluster decision stats (empty disables)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number (0..15)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "weanime:ratelimit", "redis key prefix for decision stats")
	fs.DurationVar(&c.RedisTTL, "redis-ttl", 24*time.Hour, "expiry of per-minute and per-key stats hashes")
	fs.BoolVar(&c.RedisTrackKeys, "redis-track-keys", false, "also count decisions per client key")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvName(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvName maps a flag name to its env var: "redis-addr" -> PREFIX_REDIS_ADDR.
func EnvName(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// RemotePolicy reports whether the policy comes from SSM/S3.
func (c App) RemotePolicy() bool { return c.PolicySSMParam != "" }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 16 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..16 (got %d)", c.TrustedHops))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be at least 1s (got %s)", c.SweepInterval))
	}
	if c.SuspicionTTL < time.Second {
		errs = append(errs, fmt.Errorf("SUSPICION_TTL must be at least 1s (got %s)", c.SuspicionTTL))
	}

	if c.PolicyFile != "" && c.PolicySSMParam != "" {
		errs = append(errs, errors.New("POLICY_FILE and POLICY_SSM_PARAM are mutually exclusive"))
	}
	if c.RemotePolicy() {
		if c.PolicyS3Bucket == "" {
			errs = append(errs, errors.New("POLICY_S3_BUCKET required when POLICY_SSM_PARAM is set"))
		}
		if c.PolicyS3Prefix == "" {
			errs = append(errs, errors.New("POLICY_S3_PREFIX required when POLICY_SSM_PARAM is set"))
		}
	}
	if c.PolicySigningKeyARN != "" {
		if !c.RemotePolicy() {
			errs = append(errs, errors.New("POLICY_SIGNING_KEY_ARN only applies to POLICY_SSM_PARAM"))
		}
		if !strings.HasPrefix(c.PolicySigningKeyARN, "arn:") {
			errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN must be an ARN (got %q)", c.PolicySigningKeyARN))
		}
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			errs = append(errs, fmt.Errorf("REDIS_DB must be 0..15 (got %d)", c.RedisDB))
		}
		if c.RedisTTL < time.Minute {
			errs = append(errs, fmt.Errorf("REDIS_TTL must be at least 1m (got %s)", c.RedisTTL))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
