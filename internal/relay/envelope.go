package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchemaJSON describes the frame shape shared by every socket message.
// data and targetNodeId accept null so that clients which always serialize
// every field keep working.
const envelopeSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "data": {"type": ["object", "null"]},
    "targetNodeId": {"type": ["string", "null"]}
  }
}`

var envelopeSchema = mustCompileSchema(envelopeSchemaJSON)

func mustCompileSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("relay: compile envelope schema: %v", err))
	}
	return schema
}

// DecodeEnvelope validates a raw frame against the envelope schema and
// decodes it.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	result, err := envelopeSchema.Validate(gojsonschema.NewBytesLoader(frame))
	if err != nil {
		return Envelope{}, fmt.Errorf("parse frame: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Envelope{}, fmt.Errorf("invalid frame: %s", strings.Join(msgs, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if string(env.Data) == "null" {
		env.Data = nil
	}
	return env, nil
}

// decodeAuthenticate extracts the credentials carried by an Authenticate frame.
func decodeAuthenticate(env Envelope) (AuthenticateData, error) {
	var data AuthenticateData
	if len(env.Data) == 0 {
		return data, fmt.Errorf("authenticate frame without data")
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("decode authenticate data: %w", err)
	}
	return data, nil
}
