package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func envelope(eventType, payload string) EventEnvelope {
	return EventEnvelope{
		TraceID:        "trace-1",
		ObjectiveID:    "obj-1",
		SequenceNumber: 3,
		EventType:      eventType,
		Version:        1,
		Timestamp:      time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Payload:        json.RawMessage(payload),
	}
}

func TestEventSchema(t *testing.T) {
	schema, err := LoadEventSchema()
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}

	valid := []EventEnvelope{
		envelope("objective_started", `{"objective_id":"obj-1","state":"PENDING","retry_count":0,"value_type":"email","locale":"en-US","primitive_version":"1.1.0","critical":true,"max_retries":3}`),
		envelope("objective_captured", `{"objective_id":"obj-1","state":"CAPTURED","retry_count":0,"candidate":"jane@gmail.com","value":"jane@gmail.com","confidence":0.95}`),
		envelope("objective_confirmed", `{"objective_id":"obj-1","state":"CONFIRMED","retry_count":1,"via":"affirmation"}`),
		envelope("objective_failed", `{"objective_id":"obj-1","state":"FAILED","retry_count":3,"reason":"retries_exhausted"}`),
		envelope("turn_recognized", `{"objective_id":"obj-1","provider":"alpha","confidence":0.6,"agreement":0.5,"responded":1,"configured":2}`),
		envelope("conversation_started", `null`),
		envelope("conversation_ended", `{"reason":"caller_hangup"}`),
	}
	for _, env := range valid {
		if _, err := schema.Encode(env); err != nil {
			t.Fatalf("%s: expected valid, got %v", env.EventType, err)
		}
	}

	invalid := []EventEnvelope{
		envelope("objective_captured", `{"objective_id":"obj-1","state":"CAPTURED","retry_count":0}`),
		envelope("objective_failed", `{"objective_id":"obj-1","state":"FAILED","retry_count":3}`),
		envelope("objective_failed", `{"objective_id":"obj-1","state":"FAILED","retry_count":3,"reason":"caller_was_rude"}`),
		envelope("objective_confirmed", `{"objective_id":"obj-1","state":"CONFIRMED","retry_count":0,"via":"auto_accept","transcript":"uh yes my email is"}`),
		envelope("turn_recognized", `{"provider":"alpha","confidence":0.6,"agreement":0.5,"responded":1,"text":"jane at gmail"}`),
		envelope("objective_validating", `{"objective_id":"obj-1","state":"VALIDATING","retry_count":0,"candidate":"jane@outlook.com"}`),
		envelope("objective_exploded", `{}`),
	}
	for _, env := range invalid {
		if _, err := schema.Encode(env); err == nil {
			t.Fatalf("%s %s: expected schema violation", env.EventType, env.Payload)
		}
	}

	noObjective := envelope("objective_completed", `{"objective_id":"obj-1","state":"COMPLETED","retry_count":0}`)
	noObjective.ObjectiveID = ""
	if _, err := schema.Encode(noObjective); err == nil {
		t.Fatal("objective events must carry objective_id")
	}
}

func TestSubjects(t *testing.T) {
	s := NewSubjects("")
	if got := s.Utterance("abc"); got != "capture.utterance.abc" {
		t.Fatalf("unexpected utterance subject %q", got)
	}
	if got := NewSubjects("tenant1.capture.").AllEvents(); got != "tenant1.capture.events.*" {
		t.Fatalf("unexpected events subject %q", got)
	}
	if got := TraceOf("capture.bargein.abc-123"); got != "abc-123" {
		t.Fatalf("unexpected trace %q", got)
	}
}
