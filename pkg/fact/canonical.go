package fact

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// Canonicalize renders a fact's {type, fields, predecessors} into a
// deterministic byte form: field and role names sorted lexicographically,
// predecessor lists kept in insertion order, dates rendered as
// millisecond-precision ISO-8601 UTC. Two facts with identical canonical
// form are the same fact.
func Canonicalize(f Fact) ([]byte, error) {
	if f.Type == "" {
		return nil, invalid("", "type must not be empty")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	writeString(&buf, f.Type)

	buf.WriteString(`,"fields":{`)
	fieldNames := make([]string, 0, len(f.Fields))
	for name := range f.Fields {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)
	for i, name := range fieldNames {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, name)
		buf.WriteByte(':')
		if err := writeValue(&buf, f.Fields[name]); err != nil {
			return nil, invalid(f.Type, "field %q: %v", name, err)
		}
	}
	buf.WriteString("}")

	buf.WriteString(`,"predecessors":{`)
	roleNames := make([]string, 0, len(f.Predecessors))
	for role := range f.Predecessors {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for i, role := range roleNames {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, role)
		buf.WriteString(":[")
		refs := f.Predecessors[role]
		for j, ref := range refs {
			if ref.Type == "" || ref.Hash == "" {
				return nil, invalid(f.Type, "predecessor role %q contains a non-reference", role)
			}
			if j > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(`{"type":`)
			writeString(&buf, ref.Type)
			buf.WriteString(`,"hash":`)
			writeString(&buf, ref.Hash)
			buf.WriteByte('}')
		}
		buf.WriteString("]")
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindString:
		writeString(buf, v.Str)
	case KindNumber:
		buf.WriteString(strconv.FormatFloat(v.Num, 'g', -1, 64))
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindDate:
		writeString(buf, v.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	default:
		return invalid("", "unsupported field value kind")
	}
	return nil
}
