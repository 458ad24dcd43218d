// Package httpmw holds the middleware shared by the public and ops
// listeners.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client key, tracing, metrics, request logger,
// access log, then the chi router where each route group adds its rate
// limit profile.
//
// Query strings, user agents and other client-supplied headers stay out of
// logs. The client key is logged because it is what operators act on.
package httpmw
