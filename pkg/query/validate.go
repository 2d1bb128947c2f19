package query

// TypeRegistry maps a fact type to the predecessor type declared for each
// of its roles. It lets Validate catch a Role whose declared predecessor
// type contradicts the type actually observed at that position. A nil
// registry skips that check (the other validations still run).
type TypeRegistry map[string]map[string]string

// Validate rejects specifications where an unknown is referenced before it
// is bound, a PathCondition anchors on itself, or (when reg is non-nil) a
// role's declared predecessor type contradicts the registry.
func Validate(spec *Specification, reg TypeRegistry) error {
	bound := map[Label]bool{}
	for _, g := range spec.Given {
		bound[g] = true
	}
	if err := validateMatches(spec.Matches, bound, reg); err != nil {
		return err
	}
	return validateProjection(spec.Projection, bound)
}

func validateMatches(matches []Match, bound map[Label]bool, reg TypeRegistry) error {
	for _, m := range matches {
		if bound[m.Unknown] {
			return malformed("unknown %q is already bound", m.Unknown)
		}
		if len(m.Conditions) == 0 {
			return malformed("match for %q has no conditions", m.Unknown)
		}
		if _, ok := m.Conditions[0].(PathCondition); !ok {
			return malformed("match for %q must anchor on a path condition", m.Unknown)
		}
		for _, c := range m.Conditions {
			switch cond := c.(type) {
			case PathCondition:
				if cond.LabelRight == m.Unknown {
					return malformed("path condition for %q anchors on itself", m.Unknown)
				}
				if !bound[cond.LabelRight] {
					return malformed("label %q referenced before it is bound", cond.LabelRight)
				}
				if reg != nil {
					if err := validateRoleChain(cond.RolesRight, reg); err != nil {
						return err
					}
					if err := validateRoleChain(cond.RolesLeft, reg); err != nil {
						return err
					}
				}
			case ExistentialCondition:
				inner := map[Label]bool{m.Unknown: true}
				for l := range bound {
					inner[l] = true
				}
				if err := validateMatches(cond.Matches, inner, reg); err != nil {
					return err
				}
			}
		}
		bound[m.Unknown] = true
	}
	return nil
}

// validateRoleChain checks that consecutive roles in a walk agree with the
// registry: when role i-1's Type is a registered fact type that declares
// role i's Name, role i's Type must equal the declared type. Roles with an
// empty Type, the first role, roles following an unregistered type, and
// roles the registry does not declare are not checked.
func validateRoleChain(roles []Role, reg TypeRegistry) error {
	for i, r := range roles {
		if r.Type == "" {
			continue
		}
		if i == 0 {
			continue
		}
		prev := roles[i-1]
		roleTypes, ok := reg[prev.Type]
		if !ok {
			continue
		}
		declared, ok := roleTypes[r.Name]
		if ok && declared != r.Type {
			return malformed("role %q on %q declares predecessor type %q but registry says %q",
				r.Name, prev.Type, r.Type, declared)
		}
	}
	return nil
}

func validateProjection(p Projection, bound map[Label]bool) error {
	switch proj := p.(type) {
	case nil:
		return nil
	case LabelProjection:
		if !bound[proj.Label] {
			return malformed("projection references unbound label %q", proj.Label)
		}
	case TupleProjection:
		for _, l := range proj.Labels {
			if !bound[l] {
				return malformed("projection references unbound label %q", l)
			}
		}
	case RecordProjection:
		for name, l := range proj.Fields {
			if !bound[l] {
				return malformed("projection field %q references unbound label %q", name, l)
			}
		}
	case NestedProjection:
		if proj.Spec == nil {
			return malformed("nested projection %q has no specification", proj.Name)
		}
		nestedBound := map[Label]bool{}
		for l := range bound {
			nestedBound[l] = true
		}
		for _, g := range proj.Spec.Given {
			nestedBound[g] = true
		}
		return validateMatches(proj.Spec.Matches, nestedBound, nil)
	}
	return nil
}
