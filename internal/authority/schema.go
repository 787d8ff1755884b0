package authority

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	clientURLSchemaURL = "https://schemas.verder-helpen.local/client_url_response.json"
	optionsSchemaURL   = "https://schemas.verder-helpen.local/session_options.json"
)

const clientURLSchema = `{
  "type": "object",
  "properties": {
    "client_url": {"type": "string", "minLength": 1}
  },
  "required": ["client_url"],
  "additionalProperties": false
}`

const optionsSchema = `{
  "type": "object",
  "properties": {
    "auth_methods": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["auth_methods"],
  "additionalProperties": false
}`

func compile(url, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", url, err)
	}
	return c.Compile(url)
}

// decodeStrict validates raw against s and then decodes it into dst.
func decodeStrict(s *jsonschema.Schema, raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data after document")
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return json.Unmarshal(raw, dst)
}
