package bus

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/devit-sh/devitd/internal/apierrors"
)

// SchemaRegistry validates a frame's payload against the JSON schema
// declared for its msg_type, so malformed payloads are rejected at the bus
// boundary rather than deep inside the orchestration writer.
type SchemaRegistry struct {
	schemas map[MsgType]*jsonschema.Schema
}

// NewSchemaRegistry compiles one schema per (msg_type, schema document)
// pair. schemaDocs values must already be decoded JSON (map[string]any or
// equivalent), matching jsonschema/v6's AddResource contract.
func NewSchemaRegistry(schemaDocs map[MsgType]any) (*SchemaRegistry, error) {
	reg := &SchemaRegistry{schemas: make(map[MsgType]*jsonschema.Schema, len(schemaDocs))}
	for msgType, doc := range schemaDocs {
		compiler := jsonschema.NewCompiler()
		resourceName := string(msgType) + ".json"
		if err := compiler.AddResource(resourceName, doc); err != nil {
			return nil, fmt.Errorf("bus: add schema resource for %s: %w", msgType, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("bus: compile schema for %s: %w", msgType, err)
		}
		reg.schemas[msgType] = schema
	}
	return reg, nil
}

// DefaultSchemas returns the schema document set devitd validates inbound
// frames against: one entry per msg_type whose payload shape is load-bearing
// for the daemon's own handlers (NOTIFY and APPROVAL_DECISION feed directly
// into orchestration.Core state transitions). msg_types with no entry here
// pass Validate unchecked — HELLO/BYE/HEARTBEAT/ACK carry no payload
// contract worth enforcing, and DELEGATE's payload is validated by the
// facade/CLI boundary that actually constructs it.
func DefaultSchemas() map[MsgType]any {
	return map[MsgType]any{
		MsgNotify: map[string]any{
			"type":                 "object",
			"required":             []any{"task_id", "status"},
			"additionalProperties": true,
			"properties": map[string]any{
				"task_id": map[string]any{"type": "string"},
				"status":  map[string]any{"type": "string"},
				"summary": map[string]any{"type": "string"},
			},
		},
		MsgApprovalDecision: map[string]any{
			"type":                 "object",
			"required":             []any{"ticket_id", "allow"},
			"additionalProperties": true,
			"properties": map[string]any{
				"ticket_id": map[string]any{"type": "string"},
				"allow":     map[string]any{"type": "boolean"},
			},
		},
	}
}

// Validate checks payload against the schema registered for msgType. A
// msg_type with no registered schema is permitted through unchecked.
func (r *SchemaRegistry) Validate(msgType MsgType, payload json.RawMessage) error {
	schema, ok := r.schemas[msgType]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return apierrors.New(apierrors.CodeIO, "payload is not valid JSON: "+err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return apierrors.New(apierrors.CodePolicyBlock, "payload failed schema validation: "+err.Error())
	}
	return nil
}
