package queue

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// entrySchemaJSON constrains the shape of incoming queue entries.
// Entries that fail validation never reach an agent; they are moved to
// the errors partition on read.
const entrySchemaJSON = `{
  "type": "object",
  "required": ["channel", "sender", "senderId", "message", "timestamp", "messageId", "agentId"],
  "properties": {
    "channel":     {"type": "string", "minLength": 1},
    "sender":      {"type": "string", "minLength": 1},
    "senderId":    {"type": "string"},
    "message":     {"type": "string"},
    "timestamp":   {"type": "string"},
    "messageId":   {"type": "string", "minLength": 1},
    "agentId":     {"type": "string", "minLength": 1},
    "sessionMode": {"enum": ["default", "current", "isolated"]}
  }
}`

func compileEntrySchema() (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// compiler requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entrySchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal entry schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("entry.json", doc); err != nil {
		return nil, fmt.Errorf("add entry schema resource: %w", err)
	}
	schema, err := c.Compile("entry.json")
	if err != nil {
		return nil, fmt.Errorf("compile entry schema: %w", err)
	}
	return schema, nil
}
