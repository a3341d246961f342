package mapper

import (
	"reflect"
	"testing"
)

func TestCleanJSONSchemaStripsDeniedFields(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "string",
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
		"minLength":            1,
		"exclusiveMinimum":     0,
		"format":               "uri",
		"default":              "x",
		"cache_control":        map[string]interface{}{"type": "ephemeral"},
		"description":          "kept",
	}

	cleaned := CleanJSONSchema(schema)

	for _, denied := range []string{"$schema", "additionalProperties", "minLength", "exclusiveMinimum", "format", "default", "cache_control"} {
		if _, ok := cleaned[denied]; ok {
			t.Errorf("expected %q to be stripped, still present", denied)
		}
	}
	if cleaned["description"] != "kept" {
		t.Errorf("expected unrelated field to survive, got %v", cleaned["description"])
	}
}

func TestCleanJSONSchemaCollapsesNullableUnion(t *testing.T) {
	schema := map[string]interface{}{
		"type": []interface{}{"STRING", "null"},
	}
	cleaned := CleanJSONSchema(schema)
	if cleaned["type"] != "string" {
		t.Errorf("expected collapsed+lowercased type \"string\", got %v", cleaned["type"])
	}
}

func TestCleanJSONSchemaRecursesIntoNestedSchemas(t *testing.T) {
	schema := map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"items": map[string]interface{}{
				"type":      "ARRAY",
				"minLength": 2,
				"items": map[string]interface{}{
					"type":    []interface{}{"NUMBER", "null"},
					"default": 0,
				},
			},
		},
	}

	cleaned := CleanJSONSchema(schema)

	props := cleaned["properties"].(map[string]interface{})
	itemsField := props["items"].(map[string]interface{})
	if _, ok := itemsField["minLength"]; ok {
		t.Error("expected nested minLength to be stripped")
	}
	inner := itemsField["items"].(map[string]interface{})
	if inner["type"] != "number" {
		t.Errorf("expected nested union collapsed to \"number\", got %v", inner["type"])
	}
	if _, ok := inner["default"]; ok {
		t.Error("expected nested default to be stripped")
	}
}

func TestCleanJSONSchemaIsIdempotent(t *testing.T) {
	schema := map[string]interface{}{
		"type":    []interface{}{"STRING", "null"},
		"default": "x",
		"properties": map[string]interface{}{
			"nested": map[string]interface{}{
				"type":      "BOOLEAN",
				"minLength": 3,
			},
		},
	}

	once := CleanJSONSchema(schema)
	twice := CleanJSONSchema(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("CleanJSONSchema is not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestCleanJSONSchemaNilInput(t *testing.T) {
	if CleanJSONSchema(nil) != nil {
		t.Error("expected nil input to yield nil output")
	}
}
