package workflow

import "fmt"

// ValidationError reports a malformed workflow document. It is returned
// before any graph is built; documents that fail validation never reach
// the engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid workflow document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid workflow document: %s: %s", e.Field, e.Reason)
}

// ReferenceError reports a dangling id reference discovered at load time:
// an edge endpoint, context binding or rule edge that does not resolve to
// a declared entity.
type ReferenceError struct {
	Kind  string // "node", "context", "edge"
	RefID string
	From  string // the entity holding the reference
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("unresolved %s reference %q in %s", e.Kind, e.RefID, e.From)
}

func validationErrorf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
