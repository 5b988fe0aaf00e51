package objective

import "errors"

// State is a lifecycle state of an objective.
type State string

const (
	Pending    State = "PENDING"
	Eliciting  State = "ELICITING"
	Captured   State = "CAPTURED"
	Validating State = "VALIDATING"
	Confirming State = "CONFIRMING"
	Repairing  State = "REPAIRING"
	Confirmed  State = "CONFIRMED"
	Completed  State = "COMPLETED"
	Failed     State = "FAILED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Awaiting reports whether s waits for the caller to speak.
func (s State) Awaiting() bool {
	return s == Eliciting || s == Confirming || s == Repairing
}

// FailureReason is carried by objective_failed so orchestration can decide
// what to do next.
type FailureReason string

const (
	ReasonRetriesExhausted     FailureReason = "retries_exhausted"
	ReasonValidationImpossible FailureReason = "validation_impossible"
	ReasonProviderUnavailable  FailureReason = "provider_unavailable"
)

func (r FailureReason) valid() bool {
	switch r {
	case ReasonRetriesExhausted, ReasonValidationImpossible, ReasonProviderUnavailable:
		return true
	}
	return false
}

var (
	ErrIllegalTransition = errors.New("illegal objective transition")
	ErrTerminal          = errors.New("objective is terminal")
	ErrUnconfirmed       = errors.New("critical objective requires affirmation")
)

// transitions lists the legal edges. FAILED is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	Pending:    {Eliciting},
	Eliciting:  {Eliciting, Captured},
	Captured:   {Validating},
	Validating: {Confirming, Confirmed, Eliciting},
	Confirming: {Confirming, Repairing, Confirmed},
	Repairing:  {Repairing, Confirming},
	Confirmed:  {Completed},
}

func legal(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
