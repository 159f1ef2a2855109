// Package auth defines the identities that act on communities: real users,
// group (shared) accounts, the system process and anonymous callers.
// Authentication itself happens upstream; an identity is attached to the
// request context by pkg/middleware from what the gateway forwarded.
package auth
