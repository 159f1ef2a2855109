// Package notifications delivers membership events. The dispatcher accepts
// deliveries from units of work after commit, retries failed sends with
// exponential backoff out of band, and keeps a bounded in-memory log of
// recent deliveries for inspection.
package notifications
