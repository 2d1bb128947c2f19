package authz

import "fmt"

// Forbidden is returned when no registered rule authorizes a submission.
// No fact is persisted when it is returned.
type Forbidden struct {
	Type string
}

func (e *Forbidden) Error() string { return fmt.Sprintf("forbidden: %s is not authorized", e.Type) }

// Misconfigured signals a rule rejected at registration time, before it
// could ever be evaluated against a submission.
type Misconfigured struct {
	Reason string
}

func (e *Misconfigured) Error() string { return fmt.Sprintf("misconfigured authorization rule: %s", e.Reason) }
