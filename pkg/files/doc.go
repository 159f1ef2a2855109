// Package files stores community logo images in S3-compatible object
// storage. Logos are keyed by community id so an upload replaces the
// previous image.
package files
