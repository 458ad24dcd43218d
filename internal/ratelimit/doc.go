// Package ratelimit is a fixed-window request limiter keyed by client.
//
// Each [Limiter] owns one table of per-key counters. A key's window starts
// with its first request and lasts Config.Window; every Check in the window
// increments the counter, denied checks included. Whitelisted keys are never
// counted, blacklisted keys are always denied without being counted.
//
// A background sweep removes entries whose window has passed. It runs until
// the context handed to [New] is cancelled and survives panics in a pass.
//
// [Adaptive] layers a shared [Reputation] over a Limiter: suspicious keys
// get half the budget, trusted keys get half again. There is no separate
// counter per reputation tier, so a mark reinterprets the count already
// accumulated in the current window.
//
// Counters are process-local. Replicas behind a load balancer each enforce
// their own quota.
package ratelimit
