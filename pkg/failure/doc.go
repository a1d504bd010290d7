// Package failure defines the error taxonomy shared by the session loop.
//
// Invariants:
// - Every terminal failure is an *Error with a stable Kind tag.
// - Kind.Class decides retry eligibility: fatal kinds are never retried.
// - Malformed upstream data is never an error here; it is normalized upstream.
package failure
