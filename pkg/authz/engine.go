package authz

import (
	"context"
	"log"

	"factum/pkg/fact"
	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// Engine evaluates registered rules against a submission's evidence
// bundle. A fact type with no registered rules falls back to the
// configured default policy.
type Engine struct {
	rules             map[string][]Rule
	defaultPermissive bool
	storage           queryengine.GraphReader
}

// NewEngine constructs an Engine. storage answers the reads a QueryRule's
// suffix needs once it walks past the submitted fact's own evidence;
// defaultPermissive controls whether an unregistered fact type is
// authorized by default.
func NewEngine(storage queryengine.GraphReader, defaultPermissive bool) *Engine {
	return &Engine{rules: map[string][]Rule{}, defaultPermissive: defaultPermissive, storage: storage}
}

// Register attaches rules to a fact type, validating any
// SpecificationRule up front. A rejected rule is never stored — the
// caller learns immediately rather than at first use.
func (e *Engine) Register(factType string, rules ...Rule) error {
	for _, r := range rules {
		if r.Kind == SpecificationRule {
			if err := validateSpecRule(r.Spec); err != nil {
				return err
			}
		}
	}
	e.rules[factType] = append(e.rules[factType], rules...)
	return nil
}

// Authorize reports whether submitting fact (identified by ref, with the
// given evidence bundle) on behalf of user is authorized. It returns
// Forbidden, naming the type, when no rule authorizes it.
func (e *Engine) Authorize(ctx context.Context, factType string, ref fact.Reference, evidence []fact.Envelope, user fact.Reference) error {
	rules, ok := e.rules[factType]
	if !ok {
		if e.defaultPermissive {
			return nil
		}
		return &Forbidden{Type: factType}
	}
	evReader := NewEvidenceReader(evidence)
	for _, rule := range rules {
		authorized, err := e.evaluate(ctx, rule, ref, evReader, user)
		if err != nil {
			continue
		}
		if authorized {
			return nil
		}
	}
	return &Forbidden{Type: factType}
}

func (e *Engine) evaluate(ctx context.Context, rule Rule, ref fact.Reference, evidence *EvidenceReader, user fact.Reference) (bool, error) {
	switch rule.Kind {
	case Any:
		return true, nil
	case None:
		log.Printf("authz: type %s has a None rule; every submission is denied", ref.Type)
		return false, nil
	case QueryRule:
		reader := newCompositeReader(evidence, e.storage)
		set, err := queryengine.RunSteps(ctx, reader, []fact.Reference{ref}, rule.Steps)
		if err != nil {
			return false, err
		}
		return contains(set, user), nil
	case SpecificationRule:
		given := queryengine.Row{rule.Spec.Given[0]: ref}
		result, err := queryengine.Run(ctx, evidence, rule.Spec, given)
		if err != nil {
			return false, err
		}
		label := rule.Spec.Projection.(query.LabelProjection).Label
		return contains(result.References(label), user), nil
	default:
		return false, nil
	}
}

func contains(refs []fact.Reference, ref fact.Reference) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
