package queryengine

import "fmt"

// Malformed reports a configuration or evaluation fault surfaced while
// walking a specification.
type Malformed struct {
	Reason string
}

func (e *Malformed) Error() string {
	return fmt.Sprintf("malformed specification: %s", e.Reason)
}

func malformedf(reason string, args ...interface{}) error {
	return &Malformed{Reason: fmt.Sprintf(reason, args...)}
}
