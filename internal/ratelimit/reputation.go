package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Tier is a client's reputation.
type Tier string

const (
	TierNone       Tier = ""
	TierSuspicious Tier = "suspicious"
	TierTrusted    Tier = "trusted"
)

const DefaultSuspicionTTL = time.Hour

// Reputation holds suspicious marks (self-expiring) and trusted marks (until
// cleared). One Reputation is shared by every profile of a gateway.
type Reputation struct {
	ttl time.Duration
	now func() time.Time

	mu         sync.RWMutex
	suspicious map[string]time.Time // key -> expiry
	trusted    map[string]struct{}

	// OnChange reports set sizes after every mutation or prune.
	OnChange func(suspicious, trusted int)
}

type ReputationOption func(*Reputation)

func WithSuspicionTTL(d time.Duration) ReputationOption {
	return func(r *Reputation) {
		if d > 0 {
			r.ttl = d
		}
	}
}

func WithReputationClock(now func() time.Time) ReputationOption {
	return func(r *Reputation) {
		if now != nil {
			r.now = now
		}
	}
}

func WithOnReputationChange(fn func(suspicious, trusted int)) ReputationOption {
	return func(r *Reputation) { r.OnChange = fn }
}

// NewReputation creates an empty store. Expired suspicious marks are dropped
// on lookup and by a prune loop that runs every ttl/4 until ctx is cancelled.
func NewReputation(ctx context.Context, opts ...ReputationOption) *Reputation {
	r := &Reputation{
		ttl:        DefaultSuspicionTTL,
		now:        time.Now,
		suspicious: make(map[string]time.Time),
		trusted:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.pruneLoop(ctx)
	return r
}

// MarkSuspicious flags key for the suspicion TTL. Marking again restarts it.
func (r *Reputation) MarkSuspicious(key string) time.Time {
	r.mu.Lock()
	exp := r.now().Add(r.ttl)
	r.suspicious[key] = exp
	s, t := len(r.suspicious), len(r.trusted)
	r.mu.Unlock()
	r.changed(s, t)
	return exp
}

func (r *Reputation) ClearSuspicious(key string) {
	r.mu.Lock()
	delete(r.suspicious, key)
	s, t := len(r.suspicious), len(r.trusted)
	r.mu.Unlock()
	r.changed(s, t)
}

// MarkTrusted flags key until ClearTrusted or restart.
func (r *Reputation) MarkTrusted(key string) {
	r.mu.Lock()
	r.trusted[key] = struct{}{}
	s, t := len(r.suspicious), len(r.trusted)
	r.mu.Unlock()
	r.changed(s, t)
}

func (r *Reputation) ClearTrusted(key string) {
	r.mu.Lock()
	delete(r.trusted, key)
	s, t := len(r.suspicious), len(r.trusted)
	r.mu.Unlock()
	r.changed(s, t)
}

// KeyState is the reputation view of one key.
type KeyState struct {
	Key              string     `json:"key"`
	Suspicious       bool       `json:"suspicious"`
	SuspiciousExpiry *time.Time `json:"suspiciousExpiry,omitempty"`
	Trusted          bool       `json:"trusted"`
	// Effective is the tier applied to checks; suspicion wins over trust.
	Effective Tier `json:"effective"`
}

func (r *Reputation) State(key string) KeyState {
	now := r.now()
	st := KeyState{Key: key}
	r.mu.RLock()
	if exp, ok := r.suspicious[key]; ok && now.Before(exp) {
		st.Suspicious = true
		st.SuspiciousExpiry = &exp
	}
	_, st.Trusted = r.trusted[key]
	r.mu.RUnlock()
	st.Effective = st.tier()
	return st
}

func (s KeyState) tier() Tier {
	switch {
	case s.Suspicious:
		return TierSuspicious
	case s.Trusted:
		return TierTrusted
	}
	return TierNone
}

// Tier returns the tier applied to key right now.
func (r *Reputation) Tier(key string) Tier {
	now := r.now()
	r.mu.RLock()
	exp, sus := r.suspicious[key]
	_, tr := r.trusted[key]
	r.mu.RUnlock()
	if sus && !now.Before(exp) {
		r.expire(key, exp)
		sus = false
	}
	switch {
	case sus:
		return TierSuspicious
	case tr:
		return TierTrusted
	}
	return TierNone
}

// Counts returns the number of live suspicious and trusted keys.
func (r *Reputation) Counts() (suspicious, trusted int) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, exp := range r.suspicious {
		if now.Before(exp) {
			suspicious++
		}
	}
	return suspicious, len(r.trusted)
}

// expire removes key only if its mark was not renewed since exp was read.
func (r *Reputation) expire(key string, exp time.Time) {
	r.mu.Lock()
	cur, ok := r.suspicious[key]
	if ok && cur.Equal(exp) {
		delete(r.suspicious, key)
	}
	s, t := len(r.suspicious), len(r.trusted)
	r.mu.Unlock()
	if ok {
		r.changed(s, t)
	}
}

func (r *Reputation) prune(now time.Time) int {
	r.mu.Lock()
	n := 0
	for k, exp := range r.suspicious {
		if !now.Before(exp) {
			delete(r.suspicious, k)
			n++
		}
	}
	s, t := len(r.suspicious), len(r.trusted)
	r.mu.Unlock()
	if n > 0 {
		r.changed(s, t)
	}
	return n
}

func (r *Reputation) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(max(r.ttl/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(r.now())
		}
	}
}

func (r *Reputation) changed(s, t int) {
	if r.OnChange != nil {
		r.OnChange(s, t)
	}
}
