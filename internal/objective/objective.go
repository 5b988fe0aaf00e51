// Package objective implements the deterministic lifecycle of a single
// capture objective. The Machine decides which changes an input causes and
// Apply folds those changes into an Objective; folding the persisted events
// again reproduces the live state.
package objective

import (
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
)

// EventVersion is the schema version of every objective event.
const EventVersion = 1

// EventType names an objective event.
type EventType string

const (
	EventStarted               EventType = "objective_started"
	EventReprompted            EventType = "objective_reprompted"
	EventCaptured              EventType = "objective_captured"
	EventValidating            EventType = "objective_validating"
	EventConfirmationRequested EventType = "objective_confirmation_requested"
	EventRejected              EventType = "objective_rejected"
	EventRepaired              EventType = "objective_repaired"
	EventConfirmed             EventType = "objective_confirmed"
	EventCompleted             EventType = "objective_completed"
	EventFailed                EventType = "objective_failed"
)

// EventTypes lists every objective event type.
var EventTypes = []EventType{
	EventStarted, EventReprompted, EventCaptured, EventValidating,
	EventConfirmationRequested, EventRejected, EventRepaired,
	EventConfirmed, EventCompleted, EventFailed,
}

// targets fixes the state each event type moves an objective into.
// objective_reprompted stays in whichever awaiting state it names.
var targets = map[EventType][]State{
	EventStarted:               {Eliciting},
	EventReprompted:            {Eliciting, Confirming, Repairing},
	EventCaptured:              {Captured},
	EventValidating:            {Validating},
	EventConfirmationRequested: {Confirming},
	EventRejected:              {Repairing},
	EventRepaired:              {Confirming},
	EventConfirmed:             {Confirmed},
	EventCompleted:             {Completed},
	EventFailed:                {Failed},
}

// Confirmation paths recorded on objective_confirmed.
const (
	ViaAffirmation = "affirmation"
	ViaAutoAccept  = "auto_accept"
)

// Spec describes an objective requested by orchestration.
type Spec struct {
	ID         string            `json:"objective_id"`
	ValueType  capture.ValueType `json:"value_type"`
	Purpose    string            `json:"purpose"`
	Locale     string            `json:"locale,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// Objective is the folded state of one objective.
type Objective struct {
	ID               string            `json:"objective_id"`
	ValueType        capture.ValueType `json:"value_type"`
	Purpose          string            `json:"purpose"`
	Locale           string            `json:"locale"`
	PrimitiveVersion string            `json:"primitive_version"`
	Critical         bool              `json:"critical"`
	State            State             `json:"state"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	RawValue         string            `json:"raw_value,omitempty"`
	NormalizedValue  string            `json:"normalized_value,omitempty"`
	Confidence       float64           `json:"confidence"`
	ConfirmedVia     string            `json:"confirmed_via,omitempty"`
	FailureReason    FailureReason     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Payload is the body shared by all objective events. Only the structured
// value is recorded, never the transcript it was extracted from.
//
// Candidate is the extracted value before normalization. Replay restores it
// as RawValue, so it travels with Value on captured and repaired events.
type Payload struct {
	ObjectiveID      string            `json:"objective_id"`
	State            State             `json:"state"`
	RetryCount       int               `json:"retry_count"`
	ValueType        capture.ValueType `json:"value_type,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	Locale           string            `json:"locale,omitempty"`
	PrimitiveVersion string            `json:"primitive_version,omitempty"`
	Critical         bool              `json:"critical,omitempty"`
	MaxRetries       int               `json:"max_retries,omitempty"`
	Candidate        string            `json:"candidate,omitempty"`
	Value            string            `json:"value,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	Via              string            `json:"via,omitempty"`
	Cause            string            `json:"cause,omitempty"`
	Reason           FailureReason     `json:"reason,omitempty"`
}

// Change is one decided event before it is sequenced by the log.
type Change struct {
	Type    EventType `json:"type"`
	Payload Payload   `json:"payload"`
}
