package observe

import (
	"sort"
	"strings"

	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// rowKey renders a Row into a stable string so an Observer can tell
// whether it has already delivered added for a given tuple. Order-stable
// under any Go map iteration since labels are sorted before joining.
func rowKey(row queryengine.Row) string {
	labels := make([]string, 0, len(row))
	for l := range row {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)
	var b strings.Builder
	for _, l := range labels {
		ref := row[query.Label(l)]
		b.WriteString(l)
		b.WriteByte('=')
		b.WriteString(ref.Type)
		b.WriteByte(':')
		b.WriteString(ref.Hash)
		b.WriteByte(';')
	}
	return b.String()
}
