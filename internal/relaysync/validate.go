package relaysync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const DefaultItemSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"kind": {"enum": ["contact", "message"]},
		"updatedAt": {"type": "string"}
	}
}`

const itemSchemaURL = "relaysync://item.schema.json"

type itemValidator struct {
	schema *jsonschema.Schema
}

type decodedItem struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	UpdatedAt string `json:"updatedAt"`
}

func newItemValidator(schemaJSON string) (*itemValidator, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		schemaJSON = DefaultItemSchema
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: item schema: %v", ErrInvalidInput, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(itemSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("%w: item schema: %v", ErrInvalidInput, err)
	}
	schema, err := compiler.Compile(itemSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("%w: item schema: %v", ErrInvalidInput, err)
	}
	return &itemValidator{schema: schema}, nil
}

// check validates one raw item and returns its id and kind. A missing kind
// defaults from the sync type of the cycle.
func (v *itemValidator) check(raw json.RawMessage, syncType SyncType) (decodedItem, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return decodedItem{}, fmt.Errorf("%w: empty item", ErrInvalidInput)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return decodedItem{}, fmt.Errorf("%w: malformed item: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return decodedItem{}, fmt.Errorf("%w: malformed item: %v", ErrInvalidInput, err)
	}
	var item decodedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return decodedItem{}, fmt.Errorf("%w: malformed item: %v", ErrInvalidInput, err)
	}
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return decodedItem{}, fmt.Errorf("%w: malformed item: missing id", ErrInvalidInput)
	}
	if item.Kind == "" {
		item.Kind = defaultItemKind(syncType)
	}
	return item, nil
}

func defaultItemKind(syncType SyncType) string {
	if syncType == SyncMessages {
		return "message"
	}
	return "contact"
}
