// Package ratestats mirrors rate limit decisions into Redis so operators can
// see cluster-wide allowed/denied totals. It never feeds back into limiting:
// each replica still counts on its own.
//
// Writes go through a bounded queue drained by one goroutine. A full queue
// drops the event rather than slowing the request path.
package ratestats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/ratelimit"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

const (
	DefaultPrefix    = "weanime:ratelimit"
	DefaultTTL       = 24 * time.Hour
	DefaultQueueSize = 4096

	minuteLayout = "200601021504"
)

// Event is one decision as recorded in Redis.
type Event struct {
	Profile string
	Outcome string
	Key     string
	At      time.Time
}

func (e Event) field() string { return e.Profile + ":" + e.Outcome }

type Recorder struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration
	trackKeys bool
	logger    log.Logger
	now       func() time.Time
	onDrop    func()

	queue chan Event
	done  chan struct{}
	once  sync.Once
}

type Option func(*Recorder)

func WithPrefix(prefix string) Option {
	return func(r *Recorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithTTL bounds the lifetime of per-minute and per-key hashes. The total
// hash is cumulative and never expires.
func WithTTL(d time.Duration) Option {
	return func(r *Recorder) { r.ttl = d }
}

// WithTrackKeys also records per-client hashes. Off by default since it
// writes one hash per client.
func WithTrackKeys(track bool) Option {
	return func(r *Recorder) { r.trackKeys = track }
}

func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithOnDrop(fn func()) Option {
	return func(r *Recorder) { r.onDrop = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Recorder {
	r := &Recorder{
		rdb:    rdb,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		logger: log.Nop(),
		now:    time.Now,
		queue:  make(chan Event, DefaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start drains the queue until ctx is cancelled, then flushes what is left
// with a short deadline.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for {
			select {
			case ev := <-r.queue:
				r.writeLogged(ctx, ev)
			case <-ctx.Done():
				r.drain()
				return
			}
		}
	}()
}

// Wait blocks until the worker started by Start has exited.
func (r *Recorder) Wait() { <-r.done }

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.writeLogged(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) writeLogged(ctx context.Context, ev Event) {
	if err := r.Write(ctx, ev); err != nil {
		// one line per outage is plenty, the drop counter tells the rest
		r.once.Do(func() {
			r.logger.Error(ctx, err, "ratestats write failed, further failures are not logged")
		})
	}
}

// Record enqueues d without blocking. It satisfies ratelimit.WithOnDecision.
func (r *Recorder) Record(d ratelimit.Decision) {
	ev := Event{Profile: d.Profile, Outcome: d.Outcome(), Key: d.Key, At: r.now()}
	select {
	case r.queue <- ev:
	default:
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Write stores ev with one pipelined round trip.
func (r *Recorder) Write(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	f := ev.field()

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.totalKey(), f, 1)

	mk := r.minuteKey(at)
	pipe.HIncrBy(ctx, mk, f, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, mk, r.ttl)
	}

	if r.trackKeys && ev.Key != "" {
		kk := r.clientKey(ev.Key)
		pipe.HIncrBy(ctx, kk, f, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, kk, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "ratestats: pipeline")
	}
	return nil
}

func (r *Recorder) totalKey() string { return r.prefix + ":total" }

func (r *Recorder) minuteKey(t time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, t.UTC().Format(minuteLayout))
}

func (r *Recorder) clientKey(k string) string { return r.prefix + ":key:" + k }

// Counts maps profile -> outcome -> count.
type Counts map[string]map[string]int64

func parseCounts(raw map[string]string) (Counts, error) {
	out := Counts{}
	for field, v := range raw {
		profile, outcome, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, xerrors.Wrapf(err, "ratestats: field %q", field)
		}
		if out[profile] == nil {
			out[profile] = map[string]int64{}
		}
		out[profile][outcome] = n
	}
	return out, nil
}

// Totals returns cumulative counts from every replica.
func (r *Recorder) Totals(ctx context.Context) (Counts, error) {
	raw, err := r.rdb.HGetAll(ctx, r.totalKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "ratestats: read totals")
	}
	return parseCounts(raw)
}

// MinuteCounts is one row of Recent.
type MinuteCounts struct {
	Minute time.Time `json:"minute"`
	Counts Counts    `json:"counts"`
}

// Recent returns the last n minute buckets, oldest first. Minutes with no
// traffic are omitted.
func (r *Recorder) Recent(ctx context.Context, n int) ([]MinuteCounts, error) {
	if n <= 0 {
		return nil, nil
	}
	end := r.now().UTC().Truncate(time.Minute)
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, n)
	minutes := make([]time.Time, n)
	for i := 0; i < n; i++ {
		minutes[i] = end.Add(-time.Duration(n-1-i) * time.Minute)
		cmds[i] = pipe.HGetAll(ctx, r.minuteKey(minutes[i]))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, xerrors.Wrap(err, "ratestats: read minutes")
	}
	var out []MinuteCounts
	for i, c := range cmds {
		raw, err := c.Result()
		if err != nil || len(raw) == 0 {
			continue
		}
		counts, err := parseCounts(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, MinuteCounts{Minute: minutes[i], Counts: counts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out, nil
}

// Ping is the readiness check for the stats backend.
func (r *Recorder) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}
