package graph

import "fmt"

// ValidationError reports a structural invariant violation detected at graph
// construction time. It names the offending node and port where known.
// Validation errors are deterministic templating bugs and are never retried.
type ValidationError struct {
	Node   string
	Port   string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Node != "" && e.Port != "":
		return fmt.Sprintf("graph validation: node %q port %q: %s", e.Node, e.Port, e.Reason)
	case e.Node != "":
		return fmt.Sprintf("graph validation: node %q: %s", e.Node, e.Reason)
	default:
		return fmt.Sprintf("graph validation: %s", e.Reason)
	}
}
