package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/events.v1.json
var eventsV1 []byte

const eventsV1URL = "https://loqalabs.dev/schemas/capture/events.v1.json"

// EventSchema validates outbound event envelopes.
type EventSchema struct {
	schema *jsonschema.Schema
}

func LoadEventSchema() (*EventSchema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(eventsV1URL, bytes.NewReader(eventsV1)); err != nil {
		return nil, fmt.Errorf("event schema load failed: %w", err)
	}
	compiled, err := c.Compile(eventsV1URL)
	if err != nil {
		return nil, fmt.Errorf("event schema compile failed: %w", err)
	}
	return &EventSchema{schema: compiled}, nil
}

// Validate checks an encoded envelope.
func (s *EventSchema) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("event schema validation failed: %w", err)
	}
	return nil
}

// Encode marshals env and validates the result.
func (s *EventSchema) Encode(env EventEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}
