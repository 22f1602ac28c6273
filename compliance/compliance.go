// Package compliance reports how a finished document measures against a
// stricter output profile.
package compliance

import "context"

// Context is an alias for context.Context to allow for future expansion.
type Context = context.Context

// Violation represents a compliance violation.
type Violation struct {
	Code        string
	Description string
	Location    string
}

func (v Violation) String() string {
	return v.Code + " " + v.Location + ": " + v.Description
}

// Report details compliance status.
type Report struct {
	Compliant  bool
	Standard   string // e.g., "PDF/A-1b"
	Violations []Violation
}

// Add records a violation and marks the report non-compliant.
func (r *Report) Add(code, description, location string) {
	r.Violations = append(r.Violations, Violation{Code: code, Description: description, Location: location})
	r.Compliant = false
}

// Validator checks an encoded document against a standard.
type Validator interface {
	Validate(ctx Context, data []byte) (*Report, error)
}
