// Package protocol implements structural validation and signing for
// negotiation envelopes. Validation runs before any agent acts on a message;
// signing runs on every outbound envelope.
package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/linkedout-ai/agent-commerce/types"
)

// ValidationResult carries every violation found in an envelope, not just the
// first, so callers (and tests) can assert the complete error set.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Error summarizes the result as a single string.
func (r ValidationResult) Error() string {
	return strings.Join(r.Errors, ", ")
}

// Validator checks envelopes against the per-type payload schemas.
type Validator struct {
	schemas map[types.MessageType]*gojsonschema.Schema
}

// NewValidator compiles the payload schema for every known message type.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[types.MessageType]*gojsonschema.Schema)}
	for msgType, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s payload schema: %w", msgType, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

// Validate checks structural correctness: envelope-level required fields, a
// recognized type, and the payload's required-field set for that type.
func (v *Validator) Validate(env types.Envelope) ValidationResult {
	var errs []string

	if env.ID == "" {
		errs = append(errs, "missing required field: id")
	}
	if env.Type == "" {
		errs = append(errs, "missing required field: type")
	}
	if env.From == "" {
		errs = append(errs, "missing required field: from")
	}
	if env.To == "" {
		errs = append(errs, "missing required field: to")
	}
	if env.CorrelationID == "" {
		errs = append(errs, "missing required field: correlationId")
	}

	if env.Type != "" {
		schema, known := v.schemas[env.Type]
		if !known {
			errs = append(errs, fmt.Sprintf("unknown message type: %s", env.Type))
		} else if len(env.Payload) == 0 {
			errs = append(errs, "missing required field: payload")
		} else {
			result, err := schema.Validate(gojsonschema.NewBytesLoader(env.Payload))
			if err != nil {
				errs = append(errs, fmt.Sprintf("payload is not valid JSON: %v", err))
			} else {
				for _, schemaErr := range result.Errors() {
					errs = append(errs, fmt.Sprintf("payload: %s", schemaErr))
				}
			}
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// payloadSchemas holds one JSON schema per message type, mirroring the
// required-field sets of the wire protocol.
var payloadSchemas = map[types.MessageType]string{
	types.TypeOffer: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["item", "qty", "unitPrice", "currency"],
		"properties": {
			"item": {"type": "string", "minLength": 1},
			"qty": {"type": "integer", "minimum": 1},
			"unitPrice": {"type": "number", "exclusiveMinimum": 0},
			"currency": {"type": "string", "minLength": 1}
		}
	}`,
	types.TypeCounter: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["item", "qty", "unitPrice", "currency"],
		"properties": {
			"item": {"type": "string", "minLength": 1},
			"qty": {"type": "integer", "minimum": 1},
			"unitPrice": {"type": "number", "exclusiveMinimum": 0},
			"currency": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	types.TypeAccept: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["item", "qty", "unitPrice", "currency", "totalAmount"],
		"properties": {
			"item": {"type": "string", "minLength": 1},
			"qty": {"type": "integer", "minimum": 1},
			"unitPrice": {"type": "number"},
			"currency": {"type": "string", "minLength": 1},
			"totalAmount": {"type": "number"}
		}
	}`,
	types.TypeDecline: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["reason"],
		"properties": {
			"reason": {"type": "string", "minLength": 1}
		}
	}`,
	types.TypePaymentRequest: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["amount", "tokenId", "toAccount"],
		"properties": {
			"amount": {"type": "number", "exclusiveMinimum": 0},
			"tokenId": {"type": "string", "minLength": 1},
			"toAccount": {"type": "string", "minLength": 1},
			"memo": {"type": "string"},
			"item": {"type": "string"},
			"qty": {"type": "integer"}
		}
	}`,
	types.TypePaymentAck: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["transactionId", "status", "amount", "tokenId"],
		"properties": {
			"transactionId": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["success", "failed"]},
			"amount": {"type": "number"},
			"tokenId": {"type": "string"},
			"error": {"type": "string"}
		}
	}`,
	types.TypeError: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["code", "message"],
		"properties": {
			"code": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"originalMessageId": {"type": "string"}
		}
	}`,
}
