package objective

import (
	"fmt"

	"github.com/loqalabs/loqa-capture/internal/capture"
)

// Reprompt causes recorded on objective_reprompted.
const (
	CauseNoMatch             = "no_match"
	CauseNoCandidates        = "no_candidates"
	CauseValidation          = "validation_failed"
	CauseAmbiguous           = "ambiguous_confirmation"
	CauseRepairNotUnderstood = "repair_not_understood"
)

func elicitPrompt(prim capture.Primitive, purpose string) string {
	if purpose == "" {
		return fmt.Sprintf("What is your %s?", prim.Label())
	}
	return fmt.Sprintf("What is your %s? I need it %s.", prim.Label(), purpose)
}

// reelicitPrompt gets more specific with every retry.
func reelicitPrompt(prim capture.Primitive, retry int, cause string) string {
	lead := "Sorry, I didn't catch that."
	switch cause {
	case CauseValidation:
		lead = fmt.Sprintf("Hmm, that doesn't sound like a valid %s.", prim.Label())
	case CauseNoCandidates:
		lead = "Sorry, I couldn't hear you."
	}
	if retry <= 1 {
		return fmt.Sprintf("%s Could you tell me your %s again?", lead, prim.Label())
	}
	return fmt.Sprintf("%s Please say your %s slowly, for example: %s.", lead, prim.Label(), prim.Example())
}

func explicitConfirmPrompt(prim capture.Primitive, value string) string {
	return "Sorry, please just answer yes or no. " + prim.ConfirmationPrompt(value)
}

func repairPrompt(prim capture.Primitive, retry int) string {
	if retry <= 1 {
		return fmt.Sprintf("Sorry about that. What is the correct %s?", prim.Label())
	}
	return fmt.Sprintf("Let's try once more. Please say the full %s slowly, for example: %s.", prim.Label(), prim.Example())
}

func invalidRepairPrompt(prim capture.Primitive) string {
	return fmt.Sprintf("That still doesn't sound like a valid %s. Could you say it again, for example: %s?", prim.Label(), prim.Example())
}

func completedPrompt(prim capture.Primitive) string {
	return fmt.Sprintf("Thank you, I've got your %s.", prim.Label())
}

func failedPrompt(label string, reason FailureReason) string {
	switch reason {
	case ReasonProviderUnavailable:
		return "I'm sorry, I'm having trouble hearing you right now. Let me get someone to help you."
	case ReasonValidationImpossible:
		return fmt.Sprintf("I'm sorry, I can't take that %s over the phone. Let me get someone to help you.", label)
	}
	return fmt.Sprintf("I'm sorry, I wasn't able to get your %s. Let me get someone to help you.", label)
}
