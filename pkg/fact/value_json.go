package fact

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonValue is the wire and storage encoding of a Value: a kind tag plus
// exactly the payload field that kind uses, rather than the four
// always-present fields Value itself carries for cheap comparison.
type jsonValue struct {
	Kind  string  `json:"kind"`
	Str   *string `json:"str,omitempty"`
	Num   *float64 `json:"num,omitempty"`
	Bool  *bool    `json:"bool,omitempty"`
	Date  *string  `json:"date,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(jsonValue{Kind: "string", Str: &v.Str})
	case KindNumber:
		return json.Marshal(jsonValue{Kind: "number", Num: &v.Num})
	case KindBool:
		return json.Marshal(jsonValue{Kind: "bool", Bool: &v.Bool})
	case KindDate:
		s := v.Time.UTC().Format(time.RFC3339Nano)
		return json.Marshal(jsonValue{Kind: "date", Date: &s})
	default:
		return nil, fmt.Errorf("fact: unknown value kind %d", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.Kind {
	case "string":
		if jv.Str == nil {
			return fmt.Errorf("fact: string value missing str")
		}
		*v = StringValue(*jv.Str)
	case "number":
		if jv.Num == nil {
			return fmt.Errorf("fact: number value missing num")
		}
		*v = NumberValue(*jv.Num)
	case "bool":
		if jv.Bool == nil {
			return fmt.Errorf("fact: bool value missing bool")
		}
		*v = BoolValue(*jv.Bool)
	case "date":
		if jv.Date == nil {
			return fmt.Errorf("fact: date value missing date")
		}
		t, err := time.Parse(time.RFC3339Nano, *jv.Date)
		if err != nil {
			return fmt.Errorf("fact: parse date value: %w", err)
		}
		*v = DateValue(t)
	default:
		return fmt.Errorf("fact: unknown value kind %q", jv.Kind)
	}
	return nil
}
