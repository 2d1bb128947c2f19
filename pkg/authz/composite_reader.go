package authz

import (
	"context"

	"factum/pkg/fact"
	"factum/pkg/queryengine"
)

// compositeReader answers predecessor-direction reads from evidence,
// which is always safe since evidence is exactly the submitted fact's
// transitive predecessor closure, and defers everything else (successor
// steps, and lookups for a reference evidence doesn't cover) to storage.
// This realizes the "prefix against evidence, suffix against storage"
// split a legacy query rule is specified to run under.
type compositeReader struct {
	evidence *EvidenceReader
	storage  queryengine.GraphReader
}

func newCompositeReader(evidence *EvidenceReader, storage queryengine.GraphReader) *compositeReader {
	return &compositeReader{evidence: evidence, storage: storage}
}

func (c *compositeReader) Predecessors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	if c.evidence.has(ref) {
		return c.evidence.Predecessors(ctx, ref, role)
	}
	return c.storage.Predecessors(ctx, ref, role)
}

func (c *compositeReader) Successors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	return c.storage.Successors(ctx, ref, role)
}

func (c *compositeReader) TypeOf(ctx context.Context, ref fact.Reference) (string, error) {
	if c.evidence.has(ref) {
		return c.evidence.TypeOf(ctx, ref)
	}
	return c.storage.TypeOf(ctx, ref)
}

func (c *compositeReader) FieldOf(ctx context.Context, ref fact.Reference, field string) (fact.Value, bool, error) {
	if c.evidence.has(ref) {
		return c.evidence.FieldOf(ctx, ref, field)
	}
	return c.storage.FieldOf(ctx, ref, field)
}

func (c *compositeReader) SequenceOf(ctx context.Context, ref fact.Reference) (int64, error) {
	if c.evidence.has(ref) {
		return 0, nil
	}
	return c.storage.SequenceOf(ctx, ref)
}
