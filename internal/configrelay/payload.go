package configrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadVersion tags the wire format of the note blob.
const PayloadVersion = 1

type DeviceInfo struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// Metadata is created fresh on every push and embedded in every payload.
// LastModified is the authoritative conflict-resolution clock.
type Metadata struct {
	Version      int        `json:"version"`
	LastModified int64      `json:"lastModified"`
	Device       DeviceInfo `json:"device"`
	Trigger      Trigger    `json:"trigger"`
}

// Payload is the tagged record stored in a remote item's note field: the
// category kind, the category's own data, and push metadata.
type Payload struct {
	Kind CategoryID      `json:"kind"`
	Data json.RawMessage `json:"data"`
	Meta Metadata        `json:"meta"`
}

type ParseError struct {
	Category CategoryID
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Category == "" {
		return "malformed payload: " + e.Reason
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Category, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func EncodePayload(p Payload) (string, error) {
	if p.Kind == "" || len(p.Data) == 0 {
		return "", ErrInvalidInput
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePayload parses a note blob into a payload and its metadata clock.
// Malformed text never panics and never comes back as a nil-means-ok
// value: callers get a *ParseError and must skip the category. A zero
// clock means the metadata timestamp was absent or invalid and the caller
// should fall back to the remote item's own last-update time.
func DecodePayload(categoryID CategoryID, note string) (*Payload, int64, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, 0, &ParseError{Category: categoryID, Reason: "empty note"}
	}
	var p Payload
	if err := json.Unmarshal([]byte(note), &p); err != nil {
		return nil, 0, &ParseError{Category: categoryID, Reason: "not a payload object"}
	}
	if p.Kind != categoryID {
		return nil, 0, &ParseError{Category: categoryID, Reason: fmt.Sprintf("kind %q does not match category", p.Kind)}
	}
	if len(p.Data) == 0 {
		return nil, 0, &ParseError{Category: categoryID, Reason: "missing data"}
	}
	if err := validatePayloadData(categoryID, p.Data); err != nil {
		return nil, 0, err
	}
	clock := p.Meta.LastModified
	if clock < 0 {
		clock = 0
	}
	return &p, clock, nil
}

// validatePayloadData runs the category's schema over the data block, the
// same constraints applied to locally-entered values, so restored data
// cannot bypass validation.
func validatePayloadData(categoryID CategoryID, data json.RawMessage) error {
	schema, ok := payloadSchemas[categoryID]
	if !ok {
		return &ParseError{Category: categoryID, Reason: "no schema for category"}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ParseError{Category: categoryID, Reason: "data is not valid JSON"}
	}
	if err := schema.Validate(instance); err != nil {
		return &ParseError{Category: categoryID, Reason: err.Error()}
	}
	return nil
}

const (
	settingsSchemaJSON = `{
		"type": "object",
		"properties": {
			"theme": {"type": "string"},
			"badgeEnabled": {"type": "boolean"},
			"contextMenuEnabled": {"type": "boolean"},
			"pollIntervalSeconds": {"type": "integer"}
		},
		"additionalProperties": false
	}`
	reloadsSchemaJSON = `{
		"type": "object",
		"properties": {
			"rules": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"pattern": {"type": "string"},
						"intervalSeconds": {"type": "integer"},
						"activeOnly": {"type": "boolean"},
						"skipWhenFocused": {"type": "boolean"}
					},
					"required": ["pattern", "intervalSeconds"],
					"additionalProperties": false
				}
			}
		},
		"required": ["rules"],
		"additionalProperties": false
	}`
	blocklistSchemaJSON = `{
		"type": "object",
		"properties": {
			"hosts": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["hosts"],
		"additionalProperties": false
	}`
	profilesSchemaJSON = `{
		"type": "object",
		"properties": {
			"profiles": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"properties": {
						"theme": {"type": "string"},
						"badgeEnabled": {"type": "boolean"},
						"contextMenuEnabled": {"type": "boolean"},
						"pollIntervalSeconds": {"type": "integer"}
					},
					"additionalProperties": false
				}
			}
		},
		"required": ["profiles"],
		"additionalProperties": false
	}`
	saveLocationSchemaJSON = `{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"required": ["path"],
		"additionalProperties": false
	}`
)

var payloadSchemas = mustCompilePayloadSchemas()

func mustCompilePayloadSchemas() map[CategoryID]*jsonschema.Schema {
	sources := map[CategoryID]string{
		CategorySettings:     settingsSchemaJSON,
		CategoryReloads:      reloadsSchemaJSON,
		CategoryBlocklist:    blocklistSchemaJSON,
		CategoryProfiles:     profilesSchemaJSON,
		CategorySaveLocation: saveLocationSchemaJSON,
	}
	compiler := jsonschema.NewCompiler()
	for id, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			panic(fmt.Sprintf("configrelay: invalid %s schema: %v", id, err))
		}
		if err := compiler.AddResource(string(id)+".json", doc); err != nil {
			panic(fmt.Sprintf("configrelay: add %s schema: %v", id, err))
		}
	}
	schemas := make(map[CategoryID]*jsonschema.Schema, len(sources))
	for id := range sources {
		schema, err := compiler.Compile(string(id) + ".json")
		if err != nil {
			panic(fmt.Sprintf("configrelay: compile %s schema: %v", id, err))
		}
		schemas[id] = schema
	}
	return schemas
}
