package measured

import "strings"

// KeyDelimiter separates the metric name and dimension values in a storage key.
const KeyDelimiter = "-"

// StorageKey derives the registry key for a metric name and its dimensions:
// the name followed by each dimension value, ordered by dimension name.
//
// Dimension names are not part of the key. Two dimension sets whose values
// line up the same way once sorted by name, e.g. {a: "x"} and {b: "x"}, map to
// the same key. Downstream consumers rely on these exact key strings, so the
// format must not change.
func StorageKey(name string, dims Dimensions) string {
	if dims.Len() == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, n := range dims.Names() {
		b.WriteString(KeyDelimiter)
		b.WriteString(dims.labels[n])
	}
	return b.String()
}
