package expr

import (
	"strconv"
	"strings"
)

// Format renders a value the way commands and rendered documents display it.
// Numbers drop the trailing ".0" for integral values so a target returning 4.0
// prints as 4.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = Format(e)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	default:
		return ""
	}
}
