package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	types    map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		env, err := jsonschema.CompileString("ink_envelope", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = env

		types := map[string]string{
			TypeStrokeBegin: strokeBeginSchema,
			TypeStrokePts:   strokePtsSchema,
			TypeStrokeEnd:   strokeEndSchema,
			TypeCursor:      cursorSchema,
			TypePrompt:      promptSchema,
		}
		schemas.types = make(map[string]*jsonschema.Schema, len(types))
		for name, schema := range types {
			compiled, err := jsonschema.CompileString("ink_"+name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.types[name] = compiled
		}
	})
	return schemas.initErr
}

// Frame is a validated inbound frame. Exactly one typed field is set.
type Frame struct {
	Type string
	Raw  []byte

	StrokeBegin *StrokeBegin
	StrokePts   *StrokePts
	StrokeEnd   *StrokeEnd
	Cursor      *Cursor
	Prompt      *Prompt
}

// Decode validates raw against the schema for its type and decodes it.
// Errors wrap ErrUnknownType or ErrMalformed.
func Decode(raw []byte) (*Frame, error) {
	if err := initSchemas(); err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schemas.envelope.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ, _ := payload.(map[string]any)["t"].(string)
	schema, ok := schemas.types[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}

	f := &Frame{Type: typ, Raw: raw}
	var target any
	switch typ {
	case TypeStrokeBegin:
		f.StrokeBegin = &StrokeBegin{}
		target = f.StrokeBegin
	case TypeStrokePts:
		f.StrokePts = &StrokePts{}
		target = f.StrokePts
	case TypeStrokeEnd:
		f.StrokeEnd = &StrokeEnd{}
		target = f.StrokeEnd
	case TypeCursor:
		f.Cursor = &Cursor{}
		target = f.Cursor
	case TypePrompt:
		f.Prompt = &Prompt{}
		target = f.Prompt
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}
	return f, nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["t"],
  "properties": {
    "t": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const strokeBeginSchema = `{
  "type": "object",
  "required": ["t", "id", "layer", "brush", "ts"],
  "properties": {
    "t": { "const": "stroke_begin" },
    "id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "layer": { "type": "string" },
    "brush": { "type": "string" },
    "color": { "type": ["string", "null"] },
    "ts": { "type": "number" }
  },
  "additionalProperties": true
}`

const strokePtsSchema = `{
  "type": "object",
  "required": ["t", "id", "pts"],
  "properties": {
    "t": { "const": "stroke_pts" },
    "id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "pts": {
      "type": "array",
      "items": {
        "type": "array",
        "minItems": 3,
        "maxItems": 4,
        "items": { "type": "number" }
      }
    }
  },
  "additionalProperties": true
}`

const strokeEndSchema = `{
  "type": "object",
  "required": ["t", "id", "ts"],
  "properties": {
    "t": { "const": "stroke_end" },
    "id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "ts": { "type": "number" }
  },
  "additionalProperties": true
}`

const cursorSchema = `{
  "type": "object",
  "required": ["t", "x", "y", "ts"],
  "properties": {
    "t": { "const": "cursor" },
    "x": { "type": "number" },
    "y": { "type": "number" },
    "ts": { "type": "number" },
    "who": { "type": ["string", "null"] }
  },
  "additionalProperties": true
}`

const promptSchema = `{
  "type": "object",
  "required": ["t", "text"],
  "properties": {
    "t": { "const": "prompt" },
    "text": { "type": "string", "minLength": 1, "maxLength": 2000 },
    "mode": { "enum": ["draw", "handwriting"] },
    "x": { "type": "number" },
    "y": { "type": "number" },
    "ts": { "type": "number" }
  },
  "additionalProperties": true
}`
