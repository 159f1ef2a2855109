// Package requests implements the typed request state machine behind
// invitations, membership requests and subcommunity requests.
//
// A request type is a static table: its legal statuses and, per action, the
// statuses the action may fire from, the status it lands in, a permission
// check and a side effect. Types are registered by the packages that own
// their side effects (pkg/members, pkg/communities); this package never
// imports them.
//
// Every status is mapped to one of two coarse states, open or closed. Once
// closed a request never transitions again; the only tolerated repeat caller
// is the expiry sweeper, for which expiring an already closed request is a
// no-op.
package requests
