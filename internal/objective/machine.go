package objective

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"golang.org/x/text/language"
)

// Policy holds the tunable thresholds of the machine.
type Policy struct {
	MaxRetries          int
	AutoAcceptThreshold float64
	AmbiguousFloor      float64
	DefaultLocale       string
	PrimitiveConstraint string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		AutoAcceptThreshold: 0.7,
		AmbiguousFloor:      0.4,
		DefaultLocale:       "en-US",
		PrimitiveConstraint: "^1",
	}
}

// InputKind is the outcome of one recognition round as seen by the machine.
type InputKind int

const (
	// InputTranscript carries the winning transcript and its recalibrated
	// confidence.
	InputTranscript InputKind = iota
	// InputNoCandidates means recognition produced nothing in time.
	InputNoCandidates
	// InputProviderUnavailable means recognition cannot work at all.
	InputProviderUnavailable
)

type Input struct {
	Kind       InputKind
	Text       string
	Confidence float64
}

// Step is the outcome of one decision: the changes applied, the resulting
// objective and the prompt to speak next. Prompt is never empty.
type Step struct {
	Objective Objective
	Changes   []Change
	Prompt    string
}

// Machine decides objective transitions. It holds no per-objective state and
// is safe for concurrent use.
type Machine struct {
	registry *capture.Registry
	policy   Policy
}

func NewMachine(registry *capture.Registry, policy Policy) *Machine {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultPolicy().MaxRetries
	}
	if policy.DefaultLocale == "" {
		policy.DefaultLocale = DefaultPolicy().DefaultLocale
	}
	return &Machine{registry: registry, policy: policy}
}

func (m *Machine) Policy() Policy { return m.policy }

// Primitive returns the primitive version locked by obj at start.
func (m *Machine) Primitive(obj Objective) (capture.Primitive, error) {
	tag, err := capture.ParseLocale(obj.Locale)
	if err != nil {
		return nil, err
	}
	return m.registry.Lookup(obj.ValueType, obj.PrimitiveVersion, tag)
}

// Start resolves the primitive version for spec and moves a new objective
// into ELICITING.
func (m *Machine) Start(spec Spec, now time.Time) (Step, error) {
	if spec.ID == "" {
		return Step{}, errors.New("objective id required")
	}
	if !spec.ValueType.Valid() {
		return Step{}, fmt.Errorf("%w: %q", capture.ErrUnknownValueType, spec.ValueType)
	}
	locale := spec.Locale
	if locale == "" {
		locale = m.policy.DefaultLocale
	}
	tag, err := capture.ParseLocale(locale)
	if err != nil {
		return Step{}, err
	}
	version, err := m.registry.Resolve(spec.ValueType, m.policy.PrimitiveConstraint)
	if err != nil {
		return Step{}, err
	}
	prim, err := m.registry.Lookup(spec.ValueType, version, tag)
	if err != nil {
		return Step{}, err
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.policy.MaxRetries
	}

	r := &run{prim: prim, locale: tag, policy: m.policy, now: now}
	err = r.emit(EventStarted, Payload{
		ObjectiveID:      spec.ID,
		State:            Eliciting,
		ValueType:        spec.ValueType,
		Purpose:          spec.Purpose,
		Locale:           tag.String(),
		PrimitiveVersion: version,
		Critical:         spec.ValueType.Critical(),
		MaxRetries:       maxRetries,
	})
	if err != nil {
		return Step{}, err
	}
	r.prompt = elicitPrompt(prim, spec.Purpose)
	return r.step(), nil
}

// Step applies one recognition outcome to obj.
func (m *Machine) Step(obj Objective, in Input, now time.Time) (Step, error) {
	if obj.State.Terminal() {
		return Step{Objective: obj}, fmt.Errorf("%w: %s is %s", ErrTerminal, obj.ID, obj.State)
	}
	if !obj.State.Awaiting() {
		return Step{Objective: obj}, fmt.Errorf("%w: %s is not awaiting input", ErrIllegalTransition, obj.State)
	}
	r, err := m.begin(obj, now)
	if err != nil {
		return Step{Objective: obj}, err
	}
	in.Confidence = clamp(in.Confidence)

	switch in.Kind {
	case InputProviderUnavailable:
		err = r.fail(ReasonProviderUnavailable)
	case InputNoCandidates:
		err = r.retry(obj.State, CauseNoCandidates)
	case InputTranscript:
		switch obj.State {
		case Eliciting:
			err = r.elicit(in)
		case Confirming:
			err = r.confirm(in)
		case Repairing:
			err = r.repair(in)
		}
	default:
		err = fmt.Errorf("unknown input kind %d", in.Kind)
	}
	if err != nil {
		return Step{Objective: obj}, err
	}
	return r.step(), nil
}

// Fail moves obj to FAILED for a condition detected outside recognition,
// such as speech output becoming unavailable.
func (m *Machine) Fail(obj Objective, reason FailureReason, now time.Time) (Step, error) {
	if obj.State.Terminal() {
		return Step{Objective: obj}, fmt.Errorf("%w: %s is %s", ErrTerminal, obj.ID, obj.State)
	}
	r, err := m.begin(obj, now)
	if err != nil {
		return Step{Objective: obj}, err
	}
	if err := r.fail(reason); err != nil {
		return Step{Objective: obj}, err
	}
	return r.step(), nil
}

func (m *Machine) begin(obj Objective, now time.Time) (*run, error) {
	tag, err := capture.ParseLocale(obj.Locale)
	if err != nil {
		return nil, err
	}
	prim, err := m.registry.Lookup(obj.ValueType, obj.PrimitiveVersion, tag)
	if err != nil {
		return nil, err
	}
	return &run{obj: obj, prim: prim, locale: tag, policy: m.policy, now: now}, nil
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// run accumulates the changes of a single decision, applying each as it is
// emitted so later decisions see the updated objective.
type run struct {
	obj     Objective
	prim    capture.Primitive
	locale  language.Tag
	policy  Policy
	now     time.Time
	changes []Change
	prompt  string
}

func (r *run) step() Step {
	return Step{Objective: r.obj, Changes: r.changes, Prompt: r.prompt}
}

func (r *run) emit(t EventType, p Payload) error {
	if p.ObjectiveID == "" {
		p.ObjectiveID = r.obj.ID
	}
	next, err := Apply(r.obj, Change{Type: t, Payload: p}, r.now)
	if err != nil {
		return err
	}
	r.obj = next
	r.changes = append(r.changes, Change{Type: t, Payload: p})
	return nil
}

func (r *run) payload(state State) Payload {
	return Payload{State: state, RetryCount: r.obj.RetryCount}
}

func (r *run) fail(reason FailureReason) error {
	return r.failWith(reason, r.obj.RetryCount)
}

func (r *run) failWith(reason FailureReason, retries int) error {
	p := r.payload(Failed)
	p.RetryCount = retries
	p.Reason = reason
	if err := r.emit(EventFailed, p); err != nil {
		return err
	}
	r.prompt = failedPrompt(r.prim.Label(), reason)
	return nil
}

// retry counts a failed attempt and either re-prompts in state or, once the
// budget is spent, fails the objective.
func (r *run) retry(state State, cause string) error {
	n := r.obj.RetryCount + 1
	if n >= r.obj.MaxRetries {
		return r.failWith(ReasonRetriesExhausted, n)
	}
	p := r.payload(state)
	p.RetryCount = n
	p.Cause = cause
	if err := r.emit(EventReprompted, p); err != nil {
		return err
	}
	switch state {
	case Eliciting:
		r.prompt = reelicitPrompt(r.prim, n, cause)
	case Confirming:
		if cause == CauseAmbiguous {
			r.prompt = explicitConfirmPrompt(r.prim, r.obj.NormalizedValue)
		} else {
			r.prompt = "Sorry, I couldn't hear you. " + r.prim.ConfirmationPrompt(r.obj.NormalizedValue)
		}
	case Repairing:
		if cause == CauseValidation {
			r.prompt = invalidRepairPrompt(r.prim)
		} else {
			r.prompt = repairPrompt(r.prim, n)
		}
	}
	return nil
}

func (r *run) elicit(in Input) error {
	candidate, ok := r.prim.Extract(in.Text)
	if !ok {
		return r.retry(Eliciting, CauseNoMatch)
	}
	p := r.payload(Captured)
	p.Candidate = candidate
	p.Value = r.prim.Normalize(candidate)
	p.Confidence = in.Confidence
	if err := r.emit(EventCaptured, p); err != nil {
		return err
	}
	if err := r.emit(EventValidating, r.payload(Validating)); err != nil {
		return err
	}
	if err := r.prim.Validate(candidate, r.locale); err != nil {
		if capture.IsPermanent(err) {
			return r.fail(ReasonValidationImpossible)
		}
		return r.retry(Eliciting, CauseValidation)
	}

	value := r.obj.NormalizedValue
	if !r.obj.Critical && in.Confidence >= r.policy.AutoAcceptThreshold {
		p := r.payload(Confirmed)
		p.Via = ViaAutoAccept
		p.Value = value
		p.Confidence = in.Confidence
		if err := r.emit(EventConfirmed, p); err != nil {
			return err
		}
		return r.complete()
	}

	p = r.payload(Confirming)
	p.Value = value
	p.Confidence = in.Confidence
	p.Cause = r.confirmationCause(in.Confidence)
	if err := r.emit(EventConfirmationRequested, p); err != nil {
		return err
	}
	r.prompt = r.prim.ConfirmationPrompt(value)
	return nil
}

func (r *run) confirmationCause(confidence float64) string {
	switch {
	case r.obj.Critical:
		return "critical"
	case confidence < r.policy.AmbiguousFloor:
		return "low_confidence"
	}
	return "ambiguous_confidence"
}

func (r *run) complete() error {
	p := r.payload(Completed)
	p.Value = r.obj.NormalizedValue
	if err := r.emit(EventCompleted, p); err != nil {
		return err
	}
	r.prompt = completedPrompt(r.prim)
	return nil
}

func (r *run) confirm(in Input) error {
	response, candidate := Classify(in.Text, r.prim, r.obj.NormalizedValue)
	switch response {
	case Affirmation:
		p := r.payload(Confirmed)
		p.Via = ViaAffirmation
		p.Value = r.obj.NormalizedValue
		p.Confidence = r.obj.Confidence
		if err := r.emit(EventConfirmed, p); err != nil {
			return err
		}
		return r.complete()
	case Negation, Correction:
		n := r.obj.RetryCount + 1
		if n >= r.obj.MaxRetries {
			return r.failWith(ReasonRetriesExhausted, n)
		}
		p := r.payload(Repairing)
		p.RetryCount = n
		p.Cause = response.String()
		if err := r.emit(EventRejected, p); err != nil {
			return err
		}
		if candidate == "" {
			r.prompt = repairPrompt(r.prim, n)
			return nil
		}
		return r.repaired(candidate, in.Confidence, false)
	}
	return r.retry(Confirming, CauseAmbiguous)
}

func (r *run) repair(in Input) error {
	candidate, ok := correctionCandidate(newReply(in.Text), r.prim, r.obj.NormalizedValue, true)
	if !ok {
		return r.retry(Repairing, CauseRepairNotUnderstood)
	}
	return r.repaired(candidate, in.Confidence, true)
}

// repaired validates a corrected candidate and re-enters confirmation with
// it. An invalid correction costs a retry unless the rejection that led here
// already counted one.
func (r *run) repaired(candidate string, confidence float64, countInvalid bool) error {
	if err := r.prim.Validate(candidate, r.locale); err != nil {
		if capture.IsPermanent(err) {
			return r.fail(ReasonValidationImpossible)
		}
		if countInvalid {
			return r.retry(Repairing, CauseValidation)
		}
		r.prompt = invalidRepairPrompt(r.prim)
		return nil
	}
	p := r.payload(Confirming)
	p.Candidate = candidate
	p.Value = r.prim.Normalize(candidate)
	p.Confidence = confidence
	if err := r.emit(EventRepaired, p); err != nil {
		return err
	}
	r.prompt = r.prim.ConfirmationPrompt(r.obj.NormalizedValue)
	return nil
}
