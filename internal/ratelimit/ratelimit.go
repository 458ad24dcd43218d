package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/weanime/weanime-gateway/internal/httpmw"
	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

const DefaultSweepInterval = 60 * time.Second

// Config is the immutable configuration of one limiter.
type Config struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	Whitelist   []string
	Blacklist   []string
}

func (c Config) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, xerrors.New("name is required"))
	}
	if c.Window <= 0 {
		errs = append(errs, xerrors.Newf("%s: window must be positive, got %s", c.Name, c.Window))
	}
	if c.MaxRequests <= 0 {
		errs = append(errs, xerrors.Newf("%s: max requests must be positive, got %d", c.Name, c.MaxRequests))
	}
	if len(errs) > 0 {
		return xerrors.Join(errs...)
	}
	return nil
}

// Override values reported in Decision.Override.
const (
	OverrideWhitelist = "whitelist"
	OverrideBlacklist = "blacklist"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration

	Key     string
	Profile string
	// Override is set when a whitelist or blacklist decided the request.
	Override string
	// Reputation is the tier that scaled Limit, if any.
	Reputation Tier
}

// Outcome is the metrics label for d.
func (d Decision) Outcome() string {
	switch d.Override {
	case OverrideWhitelist:
		return "whitelisted"
	case OverrideBlacklist:
		return "blacklisted"
	}
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

type entry struct {
	count     int
	resetTime time.Time
	// notified is set once the first denial in this window was reported
	notified bool
}

// Limiter holds the counter table for one profile.
type Limiter struct {
	cfg       Config
	whitelist map[string]struct{}
	blacklist map[string]struct{}

	mu      sync.Mutex
	entries map[string]*entry

	now           func() time.Time
	sweepInterval time.Duration
	keyFunc       func(*http.Request) string
	logger        log.Logger

	// OnLimitReached is called for every denied request.
	OnLimitReached func(Decision)
	// OnFirstDenied is called once per key per window, on its first denial.
	OnFirstDenied func(Decision)
	// OnDecision is called for every decision, overrides included.
	OnDecision func(Decision)
	// OnSweep reports each completed sweep pass.
	OnSweep func(profile string, evicted, remaining int)
	// OnSweepPanic is called when a sweep pass panics.
	OnSweepPanic func(profile string)
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval sets how often expired entries are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithKeyFunc overrides how a request maps to a client key. The default
// reads the key stored by httpmw.ClientKey and derives it from headers when
// the middleware did not run.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFunc = fn
		}
	}
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithOnLimitReached(fn func(Decision)) Option {
	return func(l *Limiter) { l.OnLimitReached = fn }
}

func WithOnFirstDenied(fn func(Decision)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

func WithOnDecision(fn func(Decision)) Option {
	return func(l *Limiter) { l.OnDecision = fn }
}

func WithOnSweep(fn func(profile string, evicted, remaining int)) Option {
	return func(l *Limiter) { l.OnSweep = fn }
}

func WithOnSweepPanic(fn func(profile string)) Option {
	return func(l *Limiter) { l.OnSweepPanic = fn }
}

// New creates a Limiter and starts its sweep goroutine, which stops when
// ctx is cancelled.
func New(ctx context.Context, cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:           cfg,
		whitelist:     toSet(cfg.Whitelist),
		blacklist:     toSet(cfg.Blacklist),
		entries:       make(map[string]*entry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		keyFunc:       requestKey,
		logger:        log.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweepLoop(ctx)
	return l, nil
}

func toSet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func requestKey(r *http.Request) string {
	if k := httpmw.ClientKeyFromContext(r.Context()); k != "" {
		return k
	}
	return httpmw.KeyFromRequest(r, httpmw.ClientKeyOptions{})
}

func (l *Limiter) Name() string   { return l.cfg.Name }
func (l *Limiter) Config() Config { return l.cfg }

// Check counts r against its client's window.
func (l *Limiter) Check(r *http.Request) Decision {
	return l.check(l.keyFunc(r), nil)
}

// CheckKey is Check for callers that already hold the client key.
func (l *Limiter) CheckKey(key string) Decision {
	return l.check(key, nil)
}

// scaler maps the configured maximum to the effective limit for key.
type scaler func(key string, base int) (int, Tier)

func (l *Limiter) check(key string, scale scaler) Decision {
	now := l.now()
	d := Decision{
		Key:     key,
		Profile: l.cfg.Name,
		Limit:   l.cfg.MaxRequests,
	}

	if _, ok := l.whitelist[key]; ok {
		d.Allowed = true
		d.Remaining = l.cfg.MaxRequests
		d.ResetTime = now.Add(l.cfg.Window)
		d.Override = OverrideWhitelist
		l.emit(d, false)
		return d
	}
	if _, ok := l.blacklist[key]; ok {
		d.ResetTime = now.Add(l.cfg.Window)
		d.RetryAfter = l.cfg.Window
		d.Override = OverrideBlacklist
		l.emit(d, false)
		return d
	}

	if scale != nil {
		d.Limit, d.Reputation = scale(key, l.cfg.MaxRequests)
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || now.After(e.resetTime) {
		e = &entry{resetTime: now.Add(l.cfg.Window)}
		l.entries[key] = e
	}
	e.count++
	count := e.count
	d.ResetTime = e.resetTime
	d.Allowed = count <= d.Limit
	first := false
	if !d.Allowed && !e.notified {
		e.notified = true
		first = true
	}
	// release before hooks, they may log or touch metrics
	l.mu.Unlock()

	d.Remaining = max(0, d.Limit-count)
	if !d.Allowed {
		d.RetryAfter = d.ResetTime.Sub(now)
	}
	l.emit(d, first)
	return d
}

func (l *Limiter) emit(d Decision, first bool) {
	if !d.Allowed && d.Override == "" {
		if first && l.OnFirstDenied != nil {
			l.OnFirstDenied(d)
		}
		if l.OnLimitReached != nil {
			l.OnLimitReached(d)
		}
	}
	if l.OnDecision != nil {
		l.OnDecision(d)
	}
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safeSweep(ctx)
		}
	}
}

// safeSweep runs one pass; a panic is logged and the loop keeps going.
func (l *Limiter) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error(ctx, xerrors.Newf("panic: %v", rec), "ratelimit sweep panicked",
				"profile", l.cfg.Name,
			)
			if l.OnSweepPanic != nil {
				l.OnSweepPanic(l.cfg.Name)
			}
		}
	}()
	evicted, remaining := l.sweep(l.now())
	if l.OnSweep != nil {
		l.OnSweep(l.cfg.Name, evicted, remaining)
	}
}

// sweep deletes entries whose window ended before now.
func (l *Limiter) sweep(now time.Time) (evicted, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.After(e.resetTime) {
			delete(l.entries, k)
			evicted++
		}
	}
	return evicted, len(l.entries)
}
