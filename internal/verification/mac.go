package verification

import (
	"sort"
	"strings"
)

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinComma(ss []string) string {
	return strings.Join(ss, ",")
}
