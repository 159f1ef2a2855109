// Package communities manages community records: metadata, access policy,
// the parent/child hierarchy, and the deletion lifecycle with its tombstone.
//
// A community moves through published, deleted and marked-for-purge states.
// Deleting sets a tombstone and requires no outstanding open requests;
// restoring clears the tombstone and returns the community to its pre-delete
// state. Readers without the read_deleted permission only ever see a masked
// tombstone view of a deleted community.
package communities
