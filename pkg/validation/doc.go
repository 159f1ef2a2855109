// Package validation defines the structured validation error type and input
// checks shared by the service layer.
//
// A ValidationError always carries a field path so API clients can attach
// the message to the offending input. Bulk operations fail atomically on the
// first validation error; there is never a partial mutation to report.
package validation
