package ratelimit

import (
	"sort"
	"time"
)

// KeyCount is one row of the top-N table. Key is anonymized.
type KeyCount struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	ResetTime time.Time `json:"resetTime"`
}

type Stats struct {
	Profile       string     `json:"profile"`
	WindowSeconds float64    `json:"windowSeconds"`
	MaxRequests   int        `json:"maxRequests"`
	TotalEntries  int        `json:"totalEntries"`
	ActiveEntries int        `json:"activeEntries"`
	TopKeys       []KeyCount `json:"topKeys"`
}

// Stats reports table size and the topN busiest keys in their current
// window. Expired entries that the sweep has not reached yet count toward
// TotalEntries only.
func (l *Limiter) Stats(topN int) Stats {
	now := l.now()
	s := Stats{
		Profile:       l.cfg.Name,
		WindowSeconds: l.cfg.Window.Seconds(),
		MaxRequests:   l.cfg.MaxRequests,
		TopKeys:       []KeyCount{},
	}

	var active []KeyCount
	l.mu.Lock()
	s.TotalEntries = len(l.entries)
	for k, e := range l.entries {
		if now.After(e.resetTime) {
			continue
		}
		active = append(active, KeyCount{Key: k, Count: e.count, ResetTime: e.resetTime})
	}
	l.mu.Unlock()

	s.ActiveEntries = len(active)
	sort.Slice(active, func(i, j int) bool {
		if active[i].Count != active[j].Count {
			return active[i].Count > active[j].Count
		}
		return active[i].Key < active[j].Key
	})
	if topN < 0 {
		topN = 0
	}
	if len(active) > topN {
		active = active[:topN]
	}
	for _, kc := range active {
		kc.Key = Anonymize(kc.Key)
		s.TopKeys = append(s.TopKeys, kc)
	}
	return s
}

// Anonymize keeps the first 8 characters of key for display.
func Anonymize(key string) string {
	r := []rune(key)
	if len(r) > 8 {
		r = r[:8]
	}
	return string(r) + "..."
}
