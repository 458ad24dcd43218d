package ratelimit

import (
	"context"
	"time"

	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// Profile names.
const (
	ProfileAPI        = "api"
	ProfileAuth       = "auth"
	ProfileSearch     = "search"
	ProfileStreaming  = "streaming"
	ProfileMonitoring = "monitoring"
)

// DefaultProfiles returns the built-in profile table.
func DefaultProfiles() []Config {
	return []Config{
		{Name: ProfileAPI, Window: 15 * time.Minute, MaxRequests: 100},
		{Name: ProfileAuth, Window: 15 * time.Minute, MaxRequests: 5},
		{Name: ProfileSearch, Window: time.Minute, MaxRequests: 30},
		{Name: ProfileStreaming, Window: time.Minute, MaxRequests: 60},
		{Name: ProfileMonitoring, Window: time.Minute, MaxRequests: 100},
	}
}

// IsProfile reports whether name is one of the built-in profiles.
func IsProfile(name string) bool {
	for _, c := range DefaultProfiles() {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Set is the gateway's collection of profile limiters. It is built once at
// startup and handed to the HTTP layer.
type Set struct {
	order    []string
	limiters map[string]*Adaptive
	rep      *Reputation
}

// NewSet creates one adaptive limiter per config, all sharing rep. Each
// limiter has its own table and sweep goroutine tied to ctx.
func NewSet(ctx context.Context, cfgs []Config, rep *Reputation, opts ...Option) (*Set, error) {
	if len(cfgs) == 0 {
		return nil, xerrors.New("ratelimit: no profiles configured")
	}
	s := &Set{
		limiters: make(map[string]*Adaptive, len(cfgs)),
		rep:      rep,
	}
	for _, c := range cfgs {
		if _, dup := s.limiters[c.Name]; dup {
			return nil, xerrors.Newf("ratelimit: duplicate profile %q", c.Name)
		}
		l, err := New(ctx, c, opts...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "ratelimit: profile %q", c.Name)
		}
		s.limiters[c.Name] = NewAdaptive(l, rep)
		s.order = append(s.order, c.Name)
	}
	return s, nil
}

func (s *Set) Get(name string) (*Adaptive, bool) {
	a, ok := s.limiters[name]
	return a, ok
}

// MustGet is for wiring code that only asks for configured profiles.
func (s *Set) MustGet(name string) *Adaptive {
	a, ok := s.limiters[name]
	if !ok {
		panic("ratelimit: unknown profile " + name)
	}
	return a
}

// Names returns profile names in configuration order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

func (s *Set) Reputation() *Reputation { return s.rep }

// Stats returns every profile's stats in configuration order.
func (s *Set) Stats(topN int) []Stats {
	out := make([]Stats, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.limiters[n].Stats(topN))
	}
	return out
}
