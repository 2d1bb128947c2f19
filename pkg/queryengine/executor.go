package queryengine

import (
	"context"
	"sort"

	"factum/pkg/fact"
	"factum/pkg/query"
)

// Run evaluates spec against reader starting from the given bindings for
// spec.Given, returning one row per satisfying tuple. When spec.Projection
// is a query.NestedProjection, each row also gets its own sub-collection
// in the returned Result's Nested slice, computed by recursively running
// the projection's specification with that row's bindings in scope.
func Run(ctx context.Context, reader GraphReader, spec *query.Specification, given Row) (Result, error) {
	rows := []Row{given.clone()}
	for _, m := range spec.Matches {
		var next []Row
		for _, row := range rows {
			candidates, err := evaluateMatch(ctx, reader, m, row)
			if err != nil {
				return Result{}, err
			}
			for _, c := range candidates {
				nr := row.clone()
				nr[m.Unknown] = c
				next = append(next, nr)
			}
		}
		rows = next
	}
	result := Result{Rows: rows}
	if nested, ok := spec.Projection.(query.NestedProjection); ok && nested.Spec != nil {
		result.Nested = make([]Result, len(rows))
		for i, row := range rows {
			sub, err := Run(ctx, reader, nested.Spec, row)
			if err != nil {
				return Result{}, err
			}
			result.Nested[i] = sub
		}
	}
	return result, nil
}

func evaluateMatch(ctx context.Context, reader GraphReader, m query.Match, bindings Row) ([]fact.Reference, error) {
	var candidates []fact.Reference
	first := true
	for _, c := range m.Conditions {
		switch cond := c.(type) {
		case query.PathCondition:
			anchor, ok := bindings[cond.LabelRight]
			if !ok {
				return nil, malformedf("label %q referenced before it was bound", cond.LabelRight)
			}
			set, err := walkPath(ctx, reader, anchor, cond.RolesRight, cond.RolesLeft)
			if err != nil {
				return nil, err
			}
			if first {
				candidates = set
				first = false
			} else {
				candidates = intersect(candidates, set)
			}
		case query.ExistentialCondition:
			filtered := make([]fact.Reference, 0, len(candidates))
			for _, cand := range candidates {
				nb := bindings.clone()
				nb[m.Unknown] = cand
				sub, err := Run(ctx, reader, &query.Specification{Matches: cond.Matches}, nb)
				if err != nil {
					return nil, err
				}
				nonEmpty := len(sub.Rows) > 0
				if cond.Exists == nonEmpty {
					filtered = append(filtered, cand)
				}
			}
			candidates = filtered
		}
	}
	if err := sortBySequence(ctx, reader, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// walkPath walks rolesRight as predecessor steps from anchor, then
// rolesLeft as successor steps, flat-mapping at every hop.
func walkPath(ctx context.Context, reader GraphReader, anchor fact.Reference, rolesRight, rolesLeft []query.Role) ([]fact.Reference, error) {
	set := []fact.Reference{anchor}
	for _, role := range rolesRight {
		var next []fact.Reference
		for _, ref := range set {
			preds, err := reader.Predecessors(ctx, ref, role.Name)
			if err != nil {
				return nil, err
			}
			next = append(next, preds...)
		}
		set = next
	}
	for _, role := range rolesLeft {
		var next []fact.Reference
		for _, ref := range set {
			succs, err := reader.Successors(ctx, ref, role.Name)
			if err != nil {
				return nil, err
			}
			next = append(next, succs...)
		}
		set = next
	}
	return dedup(set), nil
}

func intersect(a, b []fact.Reference) []fact.Reference {
	set := make(map[fact.Reference]bool, len(b))
	for _, r := range b {
		set[r] = true
	}
	var out []fact.Reference
	for _, r := range a {
		if set[r] {
			out = append(out, r)
		}
	}
	return out
}

func dedup(refs []fact.Reference) []fact.Reference {
	seen := make(map[fact.Reference]bool, len(refs))
	out := make([]fact.Reference, 0, len(refs))
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func sortBySequence(ctx context.Context, reader GraphReader, refs []fact.Reference) error {
	seqs := make(map[fact.Reference]int64, len(refs))
	for _, r := range refs {
		seq, err := reader.SequenceOf(ctx, r)
		if err != nil {
			return err
		}
		seqs[r] = seq
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return seqs[refs[i]] < seqs[refs[j]]
	})
	return nil
}
