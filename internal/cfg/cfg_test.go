package cfg

import (
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON || c.LogPretty {
		t.Error("log format: want JSON, not pretty")
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports = %d/%d, want 8080/9000", c.HTTPPort, c.AdminPort)
	}
	if c.EnablePprof {
		t.Error("EnablePprof: want false")
	}
	if c.PlatformIPHeader != "X-Vercel-Forwarded-For" {
		t.Errorf("PlatformIPHeader = %q", c.PlatformIPHeader)
	}
	if c.PeerFallback {
		t.Error("PeerFallback: want false")
	}
	if c.SweepInterval != 5*time.Minute || c.SuspicionTTL != time.Hour {
		t.Errorf("sweep/suspicion = %s/%s", c.SweepInterval, c.SuspicionTTL)
	}
	if c.RedisAddr != "" || c.RedisPrefix != "weanime:ratelimit" || c.RedisTTL != 24*time.Hour {
		t.Errorf("redis defaults = %q %q %s", c.RedisAddr, c.RedisPrefix, c.RedisTTL)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-upstream-url=https://weanime.internal",
		"-trusted-hops=2",
		"-peer-fallback",
		"-sweep-interval=30s",
		"-suspicion-ttl=15m",
		"-redis-addr=redis:6379",
		"-redis-db=3",
	})

	if c.UpstreamURL != "https://weanime.internal" || c.TrustedHops != 2 || !c.PeerFallback {
		t.Errorf("client key/upstream = %+v", c)
	}
	if c.SweepInterval != 30*time.Second || c.SuspicionTTL != 15*time.Minute {
		t.Errorf("durations = %s/%s", c.SweepInterval, c.SuspicionTTL)
	}
	if c.RedisAddr != "redis:6379" || c.RedisDB != 3 {
		t.Errorf("redis = %q db %d", c.RedisAddr, c.RedisDB)
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName(EnvPrefix, "policy-ssm-param"); got != "WEANIME_POLICY_SSM_PARAM" {
		t.Fatalf("EnvName = %q", got)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("WEANIME_HTTP_PORT", "8181")
	t.Setenv("WEANIME_REDIS_TTL", "2h")
	t.Setenv("WEANIME_PEER_FALLBACK", "true")
	t.Setenv("WEANIME_ADMIN_PORT", "9100")
	t.Setenv("WEANIME_TRUSTED_HOPS", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-admin-port=9200"}); err != nil {
		t.Fatal(err)
	}
	var logged []string
	FillFromEnv(fs, EnvPrefix, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 8181 || c.RedisTTL != 2*time.Hour || !c.PeerFallback {
		t.Errorf("env not applied: port=%d ttl=%s peer=%v", c.HTTPPort, c.RedisTTL, c.PeerFallback)
	}
	if c.AdminPort != 9200 {
		t.Errorf("AdminPort = %d, want CLI value 9200", c.AdminPort)
	}
	if c.TrustedHops != 0 {
		t.Errorf("TrustedHops = %d, want default after invalid env", c.TrustedHops)
	}
	joined := strings.Join(logged, "\n")
	if !strings.Contains(joined, "cli value overrides env WEANIME_ADMIN_PORT") ||
		!strings.Contains(joined, "ignoring invalid env WEANIME_TRUSTED_HOPS") {
		t.Errorf("log messages = %v", logged)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-policy-ssm-param=/weanime/gateway/policy/sha256",
		"-policy-s3-bucket=weanime-artifacts",
		"-policy-signing-key-arn=arn:aws:kms:us-east-2:111122223333:key/abc",
		"-redis-addr=127.0.0.1:6379",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-trace-sample=2.0",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-max-error-links=0",
		"-upstream-url=ftp://x",
		"-trusted-hops=-1",
		"-sweep-interval=10ms",
		"-policy-file=policy.yaml",
		"-policy-ssm-param=/p",
		"-policy-s3-bucket=",
		"-policy-signing-key-arn=key/abc",
		"-redis-addr=redis",
		"-redis-db=16",
	})

	err := Validate(c)
	for _, sub := range []string{
		"invalid HTTP_PORT",
		"invalid ADMIN_PORT",
		"invalid LOG_LEVEL",
		"invalid TRACE_SAMPLE",
		"OTLP_ENDPOINT must be host:port",
		"MAX_ERROR_LINKS",
		"UPSTREAM_URL",
		"TRUSTED_HOPS",
		"SWEEP_INTERVAL",
		"mutually exclusive",
		"POLICY_S3_BUCKET required",
		"POLICY_SIGNING_KEY_ARN must be an ARN",
		"REDIS_ADDR must be host:port",
		"REDIS_DB",
	} {
		wantErrContains(t, err, sub)
	}
}
