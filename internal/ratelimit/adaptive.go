package ratelimit

import "net/http"

// Adaptive scales a Limiter's threshold by the client's reputation:
// suspicious keys get floor(max/2), trusted keys get floor(max*1.5).
// Counting is shared with the base limiter.
type Adaptive struct {
	*Limiter
	rep *Reputation
}

func NewAdaptive(l *Limiter, rep *Reputation) *Adaptive {
	return &Adaptive{Limiter: l, rep: rep}
}

func (a *Adaptive) Reputation() *Reputation { return a.rep }

func (a *Adaptive) Check(r *http.Request) Decision {
	return a.check(a.keyFunc(r), a.scale)
}

func (a *Adaptive) CheckKey(key string) Decision {
	return a.check(key, a.scale)
}

func (a *Adaptive) scale(key string, base int) (int, Tier) {
	if a.rep == nil {
		return base, TierNone
	}
	switch t := a.rep.Tier(key); t {
	case TierSuspicious:
		return base / 2, t
	case TierTrusted:
		return base * 3 / 2, t
	}
	return base, TierNone
}
