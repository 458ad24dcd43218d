// Package gateway maps the public URL space onto rate limit profiles and
// forwards allowed requests to the upstream WeAnime app.
//
// Every /api prefix is owned by exactly one profile; the longest matching
// prefix wins, so /api/auth/login spends the auth quota and not the
// general api one. Paths outside /api are forwarded without a limit.
package gateway
