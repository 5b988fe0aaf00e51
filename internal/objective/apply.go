package objective

import (
	"fmt"
	"time"
)

// Apply folds one change into obj and returns the resulting objective. It is
// the only way objective state changes, both live and during replay, and it
// rejects any change that would break the lifecycle rules.
func Apply(obj Objective, c Change, at time.Time) (Objective, error) {
	p := c.Payload
	allowed, ok := targets[c.Type]
	if !ok {
		return obj, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, c.Type)
	}
	if !contains(allowed, p.State) {
		return obj, fmt.Errorf("%w: %s cannot enter %s", ErrIllegalTransition, c.Type, p.State)
	}

	if c.Type == EventStarted {
		if obj.State != "" {
			return obj, fmt.Errorf("%w: objective %s already started", ErrIllegalTransition, obj.ID)
		}
		if p.ObjectiveID == "" || !p.ValueType.Valid() {
			return obj, fmt.Errorf("%w: incomplete start", ErrIllegalTransition)
		}
		if p.Critical != p.ValueType.Critical() {
			return obj, fmt.Errorf("%w: critical flag mismatch for %s", ErrIllegalTransition, p.ValueType)
		}
		if p.MaxRetries < 1 {
			return obj, fmt.Errorf("%w: max retries must be positive", ErrIllegalTransition)
		}
		obj = Objective{
			ID:               p.ObjectiveID,
			ValueType:        p.ValueType,
			Purpose:          p.Purpose,
			Locale:           p.Locale,
			PrimitiveVersion: p.PrimitiveVersion,
			Critical:         p.Critical,
			State:            Pending,
			MaxRetries:       p.MaxRetries,
			CreatedAt:        at,
		}
	}

	if p.ObjectiveID != obj.ID {
		return obj, fmt.Errorf("%w: event for %s applied to %s", ErrIllegalTransition, p.ObjectiveID, obj.ID)
	}
	if obj.State.Terminal() {
		return obj, fmt.Errorf("%w: %s is %s", ErrTerminal, obj.ID, obj.State)
	}
	if !legal(obj.State, p.State) {
		return obj, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, obj.State, p.State)
	}
	if p.RetryCount < obj.RetryCount || p.RetryCount > obj.MaxRetries {
		return obj, fmt.Errorf("%w: retry count %d out of range", ErrIllegalTransition, p.RetryCount)
	}

	switch c.Type {
	case EventReprompted:
		if p.State == Eliciting {
			obj.RawValue, obj.NormalizedValue, obj.Confidence = "", "", 0
		}
	case EventCaptured:
		obj.RawValue = p.Candidate
		obj.NormalizedValue = p.Value
		obj.Confidence = p.Confidence
	case EventRepaired:
		if p.Value == "" {
			return obj, fmt.Errorf("%w: repair without value", ErrIllegalTransition)
		}
		obj.RawValue = p.Candidate
		obj.NormalizedValue = p.Value
		obj.Confidence = p.Confidence
	case EventConfirmed:
		switch p.Via {
		case ViaAffirmation:
			if obj.State != Confirming {
				return obj, fmt.Errorf("%w: affirmation outside confirmation", ErrIllegalTransition)
			}
		case ViaAutoAccept:
			if obj.Critical {
				return obj, fmt.Errorf("%w: %s cannot be auto-accepted", ErrUnconfirmed, obj.ValueType)
			}
		default:
			return obj, fmt.Errorf("%w: unknown confirmation path %q", ErrIllegalTransition, p.Via)
		}
		obj.ConfirmedVia = p.Via
	case EventCompleted:
		if obj.Critical && obj.ConfirmedVia != ViaAffirmation {
			return obj, fmt.Errorf("%w: %s", ErrUnconfirmed, obj.ID)
		}
	case EventFailed:
		if !p.Reason.valid() {
			return obj, fmt.Errorf("%w: unknown failure reason %q", ErrIllegalTransition, p.Reason)
		}
		obj.FailureReason = p.Reason
	}

	obj.State = p.State
	obj.RetryCount = p.RetryCount
	obj.UpdatedAt = at
	return obj, nil
}

func contains(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
