package pull

import "strings"

// ExtractID normalizes a relation field that may arrive either as an expanded
// object or as a bare scalar id. Objects yield their "id" member; anything
// else passes through unchanged. Every pull routine goes through this helper
// instead of sprinkling shape checks.
func ExtractID(v any) any {
	if obj, ok := v.(map[string]any); ok {
		return obj["id"]
	}
	return v
}

// idInt64 is ExtractID for join keys: it also coerces the JSON number shape
// to int64.
func idInt64(v any) (int64, bool) {
	switch id := ExtractID(v).(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

// relField reads one field out of a relation value when it arrived expanded;
// a scalar relation yields nil.
func relField(v any, field string) any {
	if obj, ok := v.(map[string]any); ok {
		return obj[field]
	}
	return nil
}

func relString(v any, field string) string {
	s, _ := relField(v, field).(string)
	return s
}

// personName joins the first_name/last_name of an expanded user relation the
// way the order views display it.
func personName(v any) string {
	first := relString(v, "first_name")
	last := relString(v, "last_name")
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
