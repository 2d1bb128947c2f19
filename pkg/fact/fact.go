// Package fact defines the immutable fact model: fields, predecessors,
// references, and envelopes.
package fact

import (
	"fmt"
	"time"
)

// Fact is an immutable record: a type tag, a map of scalar fields, and a
// map of role name to an ordered list of predecessor references. A Fact
// has no identity beyond its content.
type Fact struct {
	Type         string                  `json:"type"`
	Fields       map[string]Value        `json:"fields"`
	Predecessors map[string][]Reference  `json:"predecessors"`
}

// Reference names a fact by (type, hash).
type Reference struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Hash)
}

// Envelope is a fact plus zero or more opaque signatures.
type Envelope struct {
	Fact       Fact        `json:"fact"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// Signature is opaque to the core beyond presence/absence checks.
type Signature struct {
	Signer string `json:"signer"`
	Alg    string `json:"alg"`
	Sig    string `json:"sig"`
}

// ValueKind tags the scalar type carried by a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindDate
)

// Value is a scalar field value: string, number, boolean, or date.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func DateValue(t time.Time) Value {
	return Value{Kind: KindDate, Time: t.UTC().Truncate(time.Millisecond)}
}

// New constructs a Fact, defaulting nil maps to empty ones so callers never
// need to guard against nil field/predecessor maps.
func New(typ string, fields map[string]Value, predecessors map[string][]Reference) Fact {
	if fields == nil {
		fields = map[string]Value{}
	}
	if predecessors == nil {
		predecessors = map[string][]Reference{}
	}
	return Fact{Type: typ, Fields: fields, Predecessors: predecessors}
}
