// Package middleware provides the HTTP middleware chain: identity
// extraction, request id propagation, access logging and redis-backed
// rate limiting.
//
// The service trusts an authenticating gateway. The gateway forwards the
// verified user id in a configurable header; internal jobs present the
// shared system token as a bearer credential. Requests with neither are
// anonymous, which the permission layer handles on its own.
package middleware
