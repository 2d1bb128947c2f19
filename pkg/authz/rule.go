// Package authz evaluates per-fact-type authorization rules against the
// evidence bundle a caller submits alongside a fact, using an
// evaluate-rules-return-decision shape with "at least one rule
// authorizes" OR semantics.
package authz

import (
	"factum/pkg/query"
)

// Kind names which of the four rule shapes a Rule is.
type Kind int

const (
	// Any authorizes every submission of the fact type unconditionally.
	Any Kind = iota
	// None never authorizes; every submission is rejected, and
	// registering it is typically a way to disable a type outright.
	None
	// QueryRule authorizes by walking a legacy step query, testing the
	// resulting set for membership of the submitting user's reference.
	QueryRule
	// SpecificationRule authorizes by evaluating a specification with
	// exactly one Given (the fact being authorized) and a singular-label
	// projection; the fact is authorized if the projection's reference
	// set contains the submitting user.
	SpecificationRule
)

// Rule is one registered authorization rule for a fact type.
type Rule struct {
	Kind Kind
	// Steps is used when Kind is QueryRule.
	Steps query.StepQuery
	// Spec is used when Kind is SpecificationRule. It must satisfy the
	// constraints checked by validateSpecRule at registration time.
	Spec *query.Specification
}
