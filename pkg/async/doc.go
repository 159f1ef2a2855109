// Package async provides safe goroutine helpers and a bounded worker pool.
//
// Post-commit work (cache invalidation, index refreshes, notification
// delivery) runs through SafeGo so a panic in background work never takes
// the process down and every task carries a timeout.
package async
