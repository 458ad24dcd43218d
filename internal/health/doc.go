// Package health provides composable liveness/readiness probes and the
// HTTP handlers that expose them on both gateway listeners.
//
// Probes combine with [All], which reports every failing probe, and
// [Fixed] (static). [CheckFunc] adapts a plain function and [WithTimeout]
// bounds a probe that talks to a dependency such as Redis.
//
// [Drain] fails readiness as soon as the drain starts so the load balancer
// stops routing to an instance whose limiter state is about to go away.
package health
