package queryengine

import (
	"context"

	"factum/pkg/fact"
	"factum/pkg/query"
)

// RunSteps evaluates a legacy StepQuery starting from start, returning the
// working set of references after the final step. This is a strict subset
// of specification evaluation: Join uses the same GraphReader
// predecessor/successor lookups walkPath uses, and ExistentialStep runs
// its sub-steps through RunSteps from each reference in the set, keeping
// or dropping that reference by whether the sub-walk is empty.
func RunSteps(ctx context.Context, reader GraphReader, start []fact.Reference, q query.StepQuery) ([]fact.Reference, error) {
	set := append([]fact.Reference(nil), start...)
	for _, step := range q.Steps {
		var err error
		set, err = applyStep(ctx, reader, set, step)
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

func applyStep(ctx context.Context, reader GraphReader, set []fact.Reference, step query.Step) ([]fact.Reference, error) {
	switch s := step.(type) {
	case query.PropertyCondition:
		var out []fact.Reference
		for _, ref := range set {
			ok, err := matchesProperty(ctx, reader, ref, s)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, ref)
			}
		}
		return out, nil
	case query.Join:
		var out []fact.Reference
		for _, ref := range set {
			var joined []fact.Reference
			var err error
			if s.Direction == query.Predecessor {
				joined, err = reader.Predecessors(ctx, ref, s.Role)
			} else {
				joined, err = reader.Successors(ctx, ref, s.Role)
			}
			if err != nil {
				return nil, err
			}
			out = append(out, joined...)
		}
		return dedup(out), nil
	case query.ExistentialStep:
		var out []fact.Reference
		for _, ref := range set {
			sub, err := RunSteps(ctx, reader, []fact.Reference{ref}, query.StepQuery{Steps: s.Steps})
			if err != nil {
				return nil, err
			}
			nonEmpty := len(sub) > 0
			keep := (s.Quantifier == query.Exists && nonEmpty) || (s.Quantifier == query.NotExists && !nonEmpty)
			if keep {
				out = append(out, ref)
			}
		}
		return out, nil
	default:
		return nil, malformedf("unknown step type %T", step)
	}
}

func matchesProperty(ctx context.Context, reader GraphReader, ref fact.Reference, cond query.PropertyCondition) (bool, error) {
	if cond.Name == "type" {
		typ, err := reader.TypeOf(ctx, ref)
		if err != nil {
			return false, err
		}
		return typ == cond.Value.Str, nil
	}
	val, ok, err := reader.FieldOf(ctx, ref, cond.Name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return valuesEqual(val, cond.Value), nil
}

func valuesEqual(a, b fact.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case fact.KindString:
		return a.Str == b.Str
	case fact.KindNumber:
		return a.Num == b.Num
	case fact.KindBool:
		return a.Bool == b.Bool
	case fact.KindDate:
		return a.Time.Equal(b.Time)
	}
	return false
}
