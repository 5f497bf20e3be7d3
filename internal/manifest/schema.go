package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wireSchema is the JSON Schema for the session.v1 wire form.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "rewindd://schemas/session.v1.json",
  "type": "object",
  "required": ["schema", "sessionId", "workspaceKey", "startedAt", "endedAt", "changes", "changeCount"],
  "properties": {
    "schema": {"const": "session.v1"},
    "sessionId": {"type": "string", "minLength": 16},
    "workspaceKey": {"type": "string", "minLength": 1},
    "startedAt": {"type": "string", "format": "date-time"},
    "endedAt": {"type": "string", "format": "date-time"},
    "triggers": {
      "type": "array",
      "items": {
        "enum": ["filewatch", "pre-commit", "manual", "idle-finalize", "blur", "task", "max-duration"]
      }
    },
    "name": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "changeCount": {"type": "integer", "minimum": 0},
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "op"],
        "properties": {
          "path": {"type": "string", "minLength": 1, "pattern": "^[^/]"},
          "op": {"enum": ["created", "modified", "deleted", "renamed"]},
          "fromPath": {"type": "string"},
          "digestBefore": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "digestAfter": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "sizeBefore": {"type": "integer", "minimum": 0},
          "sizeAfter": {"type": "integer", "minimum": 0},
          "mtimeBefore": {"type": "integer"},
          "mtimeAfter": {"type": "integer"},
          "modeBefore": {"type": "integer"},
          "modeAfter": {"type": "integer"},
          "eolBefore": {"enum": ["lf", "crlf", "cr", "mixed"]},
          "eolAfter": {"enum": ["lf", "crlf", "cr", "mixed"]}
        },
        "if": {"properties": {"op": {"const": "renamed"}}},
        "then": {"required": ["fromPath"]}
      }
    }
  }
}`

var compiledWireSchema = jsonschema.MustCompileString("session.v1.json", wireSchema)

// ValidateWire checks an external manifest document against the session.v1
// schema. A nil return means the document is structurally valid.
func ValidateWire(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse manifest document: %w", err)
	}
	if err := compiledWireSchema.Validate(doc); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}
