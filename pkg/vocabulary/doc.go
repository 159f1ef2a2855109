// Package vocabulary looks up controlled vocabulary entries such as
// community removal reasons.
package vocabulary
