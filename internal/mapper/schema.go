package mapper

// CleanJSONSchema recursively cleans a tool's JSON Schema for upstream
// compatibility, per spec.md §4.6's clean_json_schema helper: strip fields
// upstream rejects, collapse nullable unions to their first non-null
// branch, and lowercase "type" values. Grounded on the teacher's
// internal/format/schema_sanitizer.go allowlist-recursion idiom, simplified
// to the denylist the spec actually names (the teacher's sanitizer is a
// broader rewrite pipeline this gateway does not need).
//
// CleanJSONSchema(CleanJSONSchema(s)) == CleanJSONSchema(s) for any input:
// every step below is idempotent, and the function never reintroduces a
// field it just removed.
func CleanJSONSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	return cleanSchemaValue(schema).(map[string]interface{})
}

// deniedSchemaFields are stripped outright; upstream's schema dialect does
// not accept them.
var deniedSchemaFields = map[string]bool{
	"$schema":            true,
	"additionalProperties": true,
	"minLength":          true,
	"exclusiveMinimum":   true,
	"format":             true,
	"default":            true,
	"cache_control":       true,
}

// cleanSchemaValue recurses into any map/slice value found while walking a
// schema, so nested "properties"/"items" objects get the same treatment.
func cleanSchemaValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cleanSchemaMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cleanSchemaValue(item)
		}
		return out
	default:
		return v
	}
}

func cleanSchemaMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if deniedSchemaFields[key] {
			continue
		}
		out[key] = cleanSchemaValue(value)
	}

	if t, ok := out["type"]; ok {
		out["type"] = collapseType(t)
	}

	return out
}

// collapseType collapses a union type like ["string","null"] to its first
// non-null branch, and lowercases whatever string survives.
func collapseType(t interface{}) interface{} {
	switch v := t.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && lower(s) != "null" {
				return lower(s)
			}
		}
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return lower(s)
			}
		}
		return t
	case string:
		return lower(v)
	default:
		return t
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}
