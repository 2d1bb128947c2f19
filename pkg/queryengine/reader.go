// Package queryengine walks the predecessor/successor graph exposed by a
// GraphReader to evaluate step-form queries and specifications.
package queryengine

import (
	"context"

	"factum/pkg/fact"
)

// GraphReader is the narrow read surface the executor needs from a
// storage backend. A backend's Storage.Query/Read methods are typically
// implemented by satisfying GraphReader and delegating to Run/RunSteps.
type GraphReader interface {
	// Predecessors returns the predecessor references named under role on
	// the given fact, in the order they were declared.
	Predecessors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error)
	// Successors returns every fact that names ref under role.
	Successors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error)
	// TypeOf returns the fact type stored at ref.
	TypeOf(ctx context.Context, ref fact.Reference) (string, error)
	// FieldOf returns a field's value on the fact stored at ref.
	FieldOf(ctx context.Context, ref fact.Reference, field string) (fact.Value, bool, error)
	// SequenceOf returns the storage insertion order of ref, used to sort
	// results deterministically.
	SequenceOf(ctx context.Context, ref fact.Reference) (int64, error)
}
