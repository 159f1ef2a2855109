// Package members implements community membership: direct adds of group
// accounts, user invitations, membership requests, bulk role and visibility
// updates, and removals. Every bulk mutation re-checks the active-owner
// invariant inside its transaction, and every committed mutation invalidates
// the identity cache for the users it touched.
package members
