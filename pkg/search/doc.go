// Package search maintains the denormalized member index behind member
// listings. Index writes are buffered and flushed asynchronously; Refresh
// flushes synchronously for flows that read their own writes. The index
// lives in a postgres table and can be rebuilt at any time from the
// authoritative member rows.
package search
