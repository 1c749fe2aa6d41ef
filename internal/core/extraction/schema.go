package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema is the strict contract for provider output. Unknown
// fields are rejected so a drifting prompt or model surfaces as a
// schema failure instead of silently corrupted bills.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["shop_name", "bill_date", "total_amount", "items"],
  "properties": {
    "shop_name": {"type": "string", "minLength": 1},
    "shop_address": {"type": "string"},
    "bill_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "total_amount": {"type": "number", "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["description", "quantity", "unit_price", "total_price", "category_suggestion"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "quantity": {"type": "number", "exclusiveMinimum": 0},
          "unit_price": {"type": "number", "minimum": 0},
          "total_price": {"type": "number", "minimum": 0},
          "category_suggestion": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("receipt-response.json", responseSchema)

// ParseResponse validates raw provider output against the response
// schema and decodes it into an ExtractedReceipt.
func ParseResponse(raw []byte) (*ExtractedReceipt, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, newPermanentError("parse", fmt.Errorf("provider returned malformed JSON: %w", err))
	}

	if err := compiledSchema.Validate(generic); err != nil {
		return nil, newPermanentError("schema", fmt.Errorf("provider output violates response schema: %w", err))
	}

	var receipt ExtractedReceipt
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&receipt); err != nil {
		return nil, newPermanentError("decode", err)
	}

	return &receipt, nil
}
