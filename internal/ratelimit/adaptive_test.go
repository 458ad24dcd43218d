package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAdaptive(t *testing.T, clk *fakeClock, cfg Config, opts ...Option) (*Adaptive, *Reputation) {
	t.Helper()
	rep := newTestReputation(t, clk)
	return NewAdaptive(newTestLimiter(t, clk, cfg, opts...), rep), rep
}

func TestAdaptive_SuspiciousDeniedEarlier(t *testing.T) {
	clk := newFakeClock()
	cfg := Config{Name: "t", Window: 15 * time.Minute, MaxRequests: 10}
	a, rep := newTestAdaptive(t, clk, cfg)

	rep.MarkSuspicious("bad")
	firstDenied := func(key string) int {
		for i := 1; i <= 20; i++ {
			if !a.CheckKey(key).Allowed {
				return i
			}
		}
		return -1
	}
	if got := firstDenied("bad"); got != 6 {
		t.Fatalf("suspicious key first denied at %d, want 6", got)
	}
	if got := firstDenied("good"); got != 11 {
		t.Fatalf("unmarked key first denied at %d, want 11", got)
	}

	d := a.CheckKey("bad")
	if d.Limit != 5 || d.Reputation != TierSuspicious {
		t.Fatalf("suspicious decision = %+v", d)
	}

	// mark expires after an hour; by then the window has rolled too
	clk.Advance(time.Hour)
	if got := rep.Tier("bad"); got != TierNone {
		t.Fatalf("tier after ttl = %q, want none", got)
	}
	if got := firstDenied("bad"); got != 11 {
		t.Fatalf("after expiry first denied at %d, want baseline 11", got)
	}
}

func TestAdaptive_SuspiciousOddLimitFloors(t *testing.T) {
	clk := newFakeClock()
	a, rep := newTestAdaptive(t, clk, authCfg)
	rep.MarkSuspicious("k")
	a.CheckKey("k")
	a.CheckKey("k")
	d := a.CheckKey("k")
	if d.Allowed || d.Limit != 2 {
		t.Fatalf("third request with floor(5/2)=2 = %+v", d)
	}
}

func TestAdaptive_TrustedScaledBudget(t *testing.T) {
	clk := newFakeClock()
	var limited atomic.Int32
	a, rep := newTestAdaptive(t, clk, Config{Name: "t", Window: time.Minute, MaxRequests: 4},
		WithOnLimitReached(func(Decision) { limited.Add(1) }),
	)
	rep.MarkTrusted("vip")

	for i := 1; i <= 6; i++ {
		d := a.CheckKey("vip")
		if !d.Allowed {
			t.Fatalf("trusted request %d denied", i)
		}
		if d.Limit != 6 || d.Remaining != 6-i || d.Reputation != TierTrusted {
			t.Fatalf("trusted request %d = %+v", i, d)
		}
	}
	if d := a.CheckKey("vip"); d.Allowed {
		t.Fatal("request past the scaled budget allowed")
	}
	if limited.Load() != 1 {
		t.Fatalf("OnLimitReached fired %d times, want 1", limited.Load())
	}

	rep.ClearTrusted("vip")
	if d := a.CheckKey("vip"); d.Allowed || d.Limit != 4 {
		t.Fatalf("after ClearTrusted = %+v", d)
	}
}

func TestAdaptive_MarkReinterpretsExistingCount(t *testing.T) {
	clk := newFakeClock()
	a, rep := newTestAdaptive(t, clk, Config{Name: "t", Window: time.Minute, MaxRequests: 6})

	for i := 0; i < 4; i++ {
		if !a.CheckKey("k").Allowed {
			t.Fatalf("request %d denied before mark", i+1)
		}
	}
	rep.MarkSuspicious("k")
	d := a.CheckKey("k")
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("fifth request after mark = %+v, want denied against limit 3", d)
	}

	rep.ClearSuspicious("k")
	if d := a.CheckKey("k"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("sixth request after clear = %+v, want allowed with 0 remaining", d)
	}
}

func TestAdaptive_SuspicionBeatsTrust(t *testing.T) {
	clk := newFakeClock()
	a, rep := newTestAdaptive(t, clk, Config{Name: "t", Window: time.Minute, MaxRequests: 10})
	rep.MarkTrusted("k")
	rep.MarkSuspicious("k")
	if d := a.CheckKey("k"); d.Limit != 5 || d.Reputation != TierSuspicious {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAdaptive_OverridesNotScaled(t *testing.T) {
	clk := newFakeClock()
	cfg := Config{Name: "t", Window: time.Minute, MaxRequests: 10, Whitelist: []string{"w"}, Blacklist: []string{"b"}}
	a, rep := newTestAdaptive(t, clk, cfg)
	rep.MarkSuspicious("w")
	rep.MarkTrusted("b")

	if d := a.CheckKey("w"); !d.Allowed || d.Limit != 10 || d.Remaining != 10 || d.Reputation != TierNone {
		t.Fatalf("whitelisted suspicious = %+v", d)
	}
	if d := a.CheckKey("b"); d.Allowed || d.Limit != 10 || d.Reputation != TierNone {
		t.Fatalf("blacklisted trusted = %+v", d)
	}
}

func TestAdaptive_NilReputation(t *testing.T) {
	clk := newFakeClock()
	a := NewAdaptive(newTestLimiter(t, clk, Config{Name: "t", Window: time.Minute, MaxRequests: 1}), nil)
	if d := a.CheckKey("k"); !d.Allowed || d.Limit != 1 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestReputation_Lifecycle(t *testing.T) {
	clk := newFakeClock()
	var lastS, lastT int
	rep := newTestReputation(t, clk,
		WithSuspicionTTL(10*time.Minute),
		WithOnReputationChange(func(s, tr int) { lastS, lastT = s, tr }),
	)

	exp := rep.MarkSuspicious("a")
	if want := clk.Now().Add(10 * time.Minute); !exp.Equal(want) {
		t.Fatalf("expiry = %s, want %s", exp, want)
	}
	rep.MarkSuspicious("b")
	rep.MarkTrusted("c")
	if lastS != 2 || lastT != 1 {
		t.Fatalf("OnChange = %d/%d, want 2/1", lastS, lastT)
	}

	st := rep.State("a")
	if !st.Suspicious || st.SuspiciousExpiry == nil || st.Effective != TierSuspicious {
		t.Fatalf("State(a) = %+v", st)
	}
	if st := rep.State("c"); !st.Trusted || st.Suspicious || st.Effective != TierTrusted {
		t.Fatalf("State(c) = %+v", st)
	}

	// renewing b pushes its expiry out past a's
	clk.Advance(5 * time.Minute)
	rep.MarkSuspicious("b")
	clk.Advance(6 * time.Minute)

	if s, tr := rep.Counts(); s != 1 || tr != 1 {
		t.Fatalf("Counts = %d/%d, want 1/1", s, tr)
	}
	if st := rep.State("a"); st.Suspicious || st.Effective != TierNone {
		t.Fatalf("expired State(a) = %+v", st)
	}
	if n := rep.prune(clk.Now()); n != 1 {
		t.Fatalf("prune removed %d, want 1", n)
	}
	if lastS != 1 {
		t.Fatalf("OnChange after prune = %d, want 1", lastS)
	}
	if rep.Tier("b") != TierSuspicious {
		t.Fatal("renewed mark expired early")
	}
}

func TestReputation_TierDropsExpiredLazily(t *testing.T) {
	clk := newFakeClock()
	rep := newTestReputation(t, clk)
	rep.MarkSuspicious("k")
	clk.Advance(DefaultSuspicionTTL)
	if rep.Tier("k") != TierNone {
		t.Fatal("mark should expire at its ttl")
	}
	rep.mu.RLock()
	_, still := rep.suspicious["k"]
	rep.mu.RUnlock()
	if still {
		t.Fatal("expired mark should be removed on lookup")
	}
}

func TestReputation_PruneLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rep := NewReputation(ctx, WithSuspicionTTL(time.Second))
	rep.MarkTrusted("k")
	cancel()
	if _, tr := rep.Counts(); tr != 1 {
		t.Fatal("trusted marks never expire")
	}
}
