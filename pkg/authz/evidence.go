package authz

import (
	"context"

	"factum/pkg/fact"
)

// EvidenceReader implements queryengine.GraphReader entirely over the
// transitive predecessor closure a caller submits with a fact. A walk
// that demands a reference outside the bundle simply finds nothing at
// that position — the caller-facing effect is that any rule depending on
// it fails closed, per spec, rather than surfacing an error.
type EvidenceReader struct {
	envelopes map[fact.Reference]fact.Envelope
}

// NewEvidenceReader indexes a submitted envelope bundle by reference.
func NewEvidenceReader(bundle []fact.Envelope) *EvidenceReader {
	r := &EvidenceReader{envelopes: make(map[fact.Reference]fact.Envelope, len(bundle))}
	for _, env := range bundle {
		ref, err := fact.RefOf(env.Fact)
		if err != nil {
			continue
		}
		r.envelopes[ref] = env
	}
	return r
}

func (r *EvidenceReader) Predecessors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	env, ok := r.envelopes[ref]
	if !ok {
		return nil, nil
	}
	return env.Fact.Predecessors[role], nil
}

// Successors is unsupported: evidence is a predecessor closure and can
// never answer "what points at this fact", so any rule walking a
// successor step against evidence alone gets nothing, which is the
// fail-closed behavior spec requires.
func (r *EvidenceReader) Successors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	return nil, nil
}

func (r *EvidenceReader) TypeOf(ctx context.Context, ref fact.Reference) (string, error) {
	return r.envelopes[ref].Fact.Type, nil
}

func (r *EvidenceReader) FieldOf(ctx context.Context, ref fact.Reference, field string) (fact.Value, bool, error) {
	env, ok := r.envelopes[ref]
	if !ok {
		return fact.Value{}, false, nil
	}
	v, ok := env.Fact.Fields[field]
	return v, ok, nil
}

// SequenceOf has no meaning within an unpersisted evidence bundle;
// authorization rules never depend on result ordering, only membership,
// so a constant is fine.
func (r *EvidenceReader) SequenceOf(ctx context.Context, ref fact.Reference) (int64, error) {
	return 0, nil
}

func (r *EvidenceReader) has(ref fact.Reference) bool {
	_, ok := r.envelopes[ref]
	return ok
}
