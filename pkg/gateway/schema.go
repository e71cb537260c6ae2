package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Parameter schemas of the built-in methods.
const (
	schemaAgentRef = `{
		"type": "object",
		"properties": {
			"agent": {"type": "string", "minLength": 1},
			"id": {"type": "string", "minLength": 1}
		},
		"anyOf": [{"required": ["agent"]}, {"required": ["id"]}]
	}`

	schemaAgentCreate = `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$"},
			"model": {"type": "string"},
			"systemPrompt": {"type": "string"},
			"maxTokens": {"type": "integer", "minimum": 1},
			"tools": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`

	schemaAgentQuery = `{
		"type": "object",
		"properties": {
			"agent": {"type": "string", "minLength": 1},
			"id": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1}
		},
		"required": ["prompt"],
		"anyOf": [{"required": ["agent"]}, {"required": ["id"]}]
	}`

	schemaChatSend = `{
		"type": "object",
		"properties": {
			"from": {"type": "string", "minLength": 1},
			"to": {"type": "string"},
			"content": {"type": "string", "minLength": 1}
		},
		"required": ["from", "content"],
		"additionalProperties": false
	}`

	schemaChatMessages = `{
		"type": "object",
		"properties": {
			"limit": {"type": "integer", "minimum": 0},
			"forAgent": {"type": "string"},
			"markRead": {"type": "boolean"}
		},
		"additionalProperties": false
	}`

	schemaChatSearch = `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 0}
		},
		"required": ["query"],
		"additionalProperties": false
	}`
)

// compileSchema parses a parameter schema. An empty source accepts anything.
func compileSchema(source string) (*gojsonschema.Schema, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// validateParams checks params against schema.
func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) *RPCError {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return invalidParams("Invalid params", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return &RPCError{
		Code:    InvalidParams,
		Message: "Invalid params: " + strings.Join(details, "; "),
		Data:    details,
	}
}
