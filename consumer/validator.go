package consumer

import (
	"encoding/base64"
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/yjpa7145/cumulus/errors"
)

// recordSchema is the contract every inbound record must satisfy before
// rule matching runs.
const recordSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "Ingest record",
	"type": "object",
	"properties": {
		"dataset": {
			"type": "string",
			"minLength": 1
		},
		"identifier": {"type": "string"},
		"files": {
			"type": "array",
			"items": {"type": "object"}
		}
	},
	"required": ["dataset"]
}`

// Record is a validated inbound record. Payload holds the full decoded
// document for execution-request assembly.
type Record struct {
	Dataset string
	Payload map[string]any
}

// Validator decodes and schema-checks raw inbound records. Records
// arrive base64 encoded, carrying a JSON document.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the record schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Validator", "NewValidator", "compile record schema")
	}
	return &Validator{schema: schema}, nil
}

// Validate decodes the raw record and checks it against the record
// schema. Undecodable input yields errors.ErrRecordMalformed; a decoded
// document that violates the schema yields a SchemaValidationError
// listing every violation.
func (v *Validator) Validate(raw []byte) (*Record, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrRecordMalformed, err),
			"Validator", "Validate", "decode record")
	}

	var doc map[string]any
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrRecordMalformed, err),
			"Validator", "Validate", "parse record")
	}

	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrRecordMalformed, err),
			"Validator", "Validate", "validate record")
	}
	if !result.Valid() {
		verr := &errors.SchemaValidationError{}
		for _, desc := range result.Errors() {
			verr.Violations = append(verr.Violations, errors.Violation{
				Field:   desc.Field(),
				Message: desc.Description(),
			})
		}
		return nil, verr
	}

	dataset, _ := doc["dataset"].(string)
	return &Record{Dataset: dataset, Payload: doc}, nil
}
