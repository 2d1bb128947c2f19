package authz

import "factum/pkg/query"

// validateSpecRule enforces the constraints a SpecificationRule must meet
// at registration time: exactly one given (the fact being authorized), a
// singular-label projection, and no successor-direction path anywhere in
// its match tree. Successor-direction authorization is rejected here
// rather than at evaluation time because evidence — a predecessor
// closure — can never prove the absence of a successor, so a rule that
// depended on one could never fail closed correctly.
func validateSpecRule(spec *query.Specification) error {
	if spec == nil {
		return &Misconfigured{Reason: "specification rule has no specification"}
	}
	if len(spec.Given) != 1 {
		return &Misconfigured{Reason: "specification rule must have exactly one given"}
	}
	if _, ok := spec.Projection.(query.LabelProjection); !ok {
		return &Misconfigured{Reason: "specification rule must project a single label"}
	}
	if err := checkNoSuccessorPath(spec.Matches); err != nil {
		return err
	}
	return nil
}

func checkNoSuccessorPath(matches []query.Match) error {
	for _, m := range matches {
		for _, cond := range m.Conditions {
			switch c := cond.(type) {
			case query.PathCondition:
				if len(c.RolesLeft) > 0 {
					return &Misconfigured{Reason: "successor-direction path condition in match for " + string(m.Unknown)}
				}
			case query.ExistentialCondition:
				if err := checkNoSuccessorPath(c.Matches); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
