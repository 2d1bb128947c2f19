package query

import (
	"fmt"
	"strings"
)

// Describe renders a specification as a compact, human-readable string for
// diagnosing malformed or slow specifications in logs.
func (s *Specification) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "given %s", joinLabels(s.Given))
	for _, m := range s.Matches {
		fmt.Fprintf(&b, "; %s = %s", m.Unknown, describeConditions(m.Conditions))
	}
	fmt.Fprintf(&b, "; select %s", describeProjection(s.Projection))
	return b.String()
}

func describeConditions(conds []Condition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		switch cond := c.(type) {
		case PathCondition:
			parts = append(parts, fmt.Sprintf("%s%s%s",
				describeRoles(cond.RolesRight, "P."), cond.LabelRight, describeRoles(cond.RolesLeft, " S.")))
		case ExistentialCondition:
			kw := "E"
			if !cond.Exists {
				kw = "N"
			}
			sub := make([]string, 0, len(cond.Matches))
			for _, mm := range cond.Matches {
				sub = append(sub, fmt.Sprintf("%s=%s", mm.Unknown, describeConditions(mm.Conditions)))
			}
			parts = append(parts, fmt.Sprintf("%s(%s)", kw, strings.Join(sub, ", ")))
		}
	}
	return strings.Join(parts, " ")
}

func describeRoles(roles []Role, prefix string) string {
	if len(roles) == 0 {
		return ""
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return prefix + strings.Join(names, ".")
}

func describeProjection(p Projection) string {
	switch proj := p.(type) {
	case LabelProjection:
		return string(proj.Label)
	case TupleProjection:
		return "(" + joinLabels(proj.Labels) + ")"
	case RecordProjection:
		parts := make([]string, 0, len(proj.Fields))
		for name, l := range proj.Fields {
			parts = append(parts, fmt.Sprintf("%s: %s", name, l))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case NestedProjection:
		if proj.Spec == nil {
			return proj.Name + "[]"
		}
		return proj.Name + "[" + proj.Spec.Describe() + "]"
	default:
		return "<none>"
	}
}

func joinLabels(labels []Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = string(l)
	}
	return strings.Join(parts, ", ")
}
