package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wsMethods lists every request method with the schema of its params, in the
// order advertised in the hello event.
var wsMethods = []struct {
	name   string
	params string
}{
	{"health", wsEmptyParamsSchema},
	{"ping", wsEmptyParamsSchema},
	{"chat.send", wsChatSendParamsSchema},
	{"chat.abort", wsEmptyParamsSchema},
	{"sessions.list", wsSessionsListParamsSchema},
}

// compiledWSSchemas holds the frame schema and one params schema per method.
type compiledWSSchemas struct {
	frame  *jsonschema.Schema
	params map[string]*jsonschema.Schema
}

var loadWSSchemas = sync.OnceValues(func() (*compiledWSSchemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	resources := map[string]string{"ws/frame.json": wsRequestSchema}
	for _, m := range wsMethods {
		resources[wsParamsURL(m.name)] = m.params
	}
	for url, schema := range resources {
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("ws schema %s: %w", url, err)
		}
	}

	out := &compiledWSSchemas{params: make(map[string]*jsonschema.Schema, len(wsMethods))}
	var err error
	if out.frame, err = c.Compile("ws/frame.json"); err != nil {
		return nil, err
	}
	for _, m := range wsMethods {
		if out.params[m.name], err = c.Compile(wsParamsURL(m.name)); err != nil {
			return nil, err
		}
	}
	return out, nil
})

func wsParamsURL(method string) string {
	return "ws/params/" + method + ".json"
}

// validateWSRequestFrame checks the raw frame, then the params of a known
// method. Unknown methods pass; the dispatcher rejects them with its own code.
func validateWSRequestFrame(raw []byte, frame *wsFrame) error {
	if frame == nil {
		return errors.New("missing frame")
	}
	schemas, err := loadWSSchemas()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schemas.frame.Validate(doc); err != nil {
		return err
	}

	schema, ok := schemas.params[frame.Method]
	if !ok {
		return nil
	}
	params := any(map[string]any{})
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}
	return schema.Validate(params)
}

const wsRequestSchema = `{
  "type": "object",
  "required": ["id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const wsEmptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsChatSendParamsSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "sessionId": { "type": "string" },
    "message": { "type": "string" },
    "title": { "type": "string" },
    "agentOverride": { "type": "string" },
    "mode": { "type": "string" },
    "model": {
      "type": "object",
      "properties": {
        "providerId": { "type": "string" },
        "modelId": { "type": "string" }
      },
      "additionalProperties": false
    },
    "idempotencyKey": { "type": "string" }
  },
  "additionalProperties": false
}`

const wsSessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`
