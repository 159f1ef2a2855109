// Package cache implements the two-tier identity cache.
//
// The cache stores a per-user snapshot of community memberships so that
// permission checks do not hit the database on every request. Tier one is
// an in-process expirable LRU; tier two is Redis, shared across instances.
// Invalidation is idempotent: invalidating a user with no cached snapshot
// is a no-op, so membership mutations can always invalidate unconditionally.
package cache
