// Package audit persists a trail of committed membership and community
// mutations. Rows are written through the caller's transaction so a
// rollback never leaves a phantom audit entry.
package audit
