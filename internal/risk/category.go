// Package risk classifies outbound assistant actions and inbound messages
// into risk categories using a versioned, tiered pattern library.
//
// Classification is a pure function of the content, the minor-context flag
// and the loaded ruleset. Results carry a deterministic trace identifier so
// that audit records for identical inputs are reproducible across processes.
package risk

import (
	"errors"
	"fmt"
)

// Category is a closed set of risk categories.
type Category uint8

const (
	CategoryUnknown Category = iota

	// Outbound.
	CategoryClean
	CategorySelfHarm
	CategorySexualMinors
	CategorySexualContent
	CategoryIllegalIntent
	CategoryGrooming
	CategoryPlatformSafety
	CategoryEmotionalDependency
	CategoryRomanticEscalation
	CategoryManipulativePhrasing
	CategoryAggression
	CategoryExclusivity

	// Inbound.
	CategoryCleanInbound
	CategoryPanicLanguage
	CategoryRepeatedHarassment
	CategoryEmotionalPressure
	CategoryManipulativeUrgency
	CategoryInformationOverload

	// Assigned by the pipeline, never by a pattern.
	CategoryFrequencyLimit
	CategoryInvalidInput
	CategorySystemFallback

	numCategories
)

var categoryNames = [numCategories]string{
	CategoryUnknown:              "unknown",
	CategoryClean:                "clean",
	CategorySelfHarm:             "self_harm",
	CategorySexualMinors:         "sexual_minors",
	CategorySexualContent:        "sexual_content",
	CategoryIllegalIntent:        "illegal_intent",
	CategoryGrooming:             "grooming",
	CategoryPlatformSafety:       "platform_safety",
	CategoryEmotionalDependency:  "emotional_dependency",
	CategoryRomanticEscalation:   "romantic_escalation",
	CategoryManipulativePhrasing: "manipulative_phrasing",
	CategoryAggression:           "aggression",
	CategoryExclusivity:          "exclusivity",
	CategoryCleanInbound:         "clean_inbound",
	CategoryPanicLanguage:        "panic_language",
	CategoryRepeatedHarassment:   "repeated_harassment",
	CategoryEmotionalPressure:    "emotional_pressure",
	CategoryManipulativeUrgency:  "manipulative_urgency",
	CategoryInformationOverload:  "information_overload",
	CategoryFrequencyLimit:       "frequency_limit",
	CategoryInvalidInput:         "invalid_input",
	CategorySystemFallback:       "system_fallback",
}

// ErrUnknownCategory is returned when a category name is not recognized.
var ErrUnknownCategory = errors.New("risk: unknown category")

func (c Category) String() string {
	if c >= numCategories {
		return categoryNames[CategoryUnknown]
	}
	return categoryNames[c]
}

// ParseCategory returns the category with the given wire name.
func ParseCategory(s string) (Category, error) {
	for i := CategoryClean; i < numCategories; i++ {
		if categoryNames[i] == s {
			return i, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Outbound reports whether patterns of this category apply to assistant actions.
func (c Category) Outbound() bool {
	return c >= CategorySelfHarm && c <= CategoryExclusivity
}

// Inbound reports whether patterns of this category apply to incoming messages.
func (c Category) Inbound() bool {
	return c >= CategoryPanicLanguage && c <= CategoryInformationOverload
}

// Direction of the content being evaluated.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// ActionDecision is the outbound verdict.
type ActionDecision uint8

const (
	ActionDecisionUnknown ActionDecision = iota
	DecisionAllow
	DecisionSoftRewrite
	DecisionHardDeny
)

func (d ActionDecision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionSoftRewrite:
		return "soft_rewrite"
	case DecisionHardDeny:
		return "hard_deny"
	default:
		return "unknown"
	}
}

func (d ActionDecision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *ActionDecision) UnmarshalText(b []byte) error {
	switch string(b) {
	case "allow":
		*d = DecisionAllow
	case "soft_rewrite":
		*d = DecisionSoftRewrite
	case "hard_deny":
		*d = DecisionHardDeny
	default:
		return fmt.Errorf("risk: unknown action decision %q", b)
	}
	return nil
}

// InboundDecision is the verdict for an incoming message.
type InboundDecision uint8

const (
	InboundDecisionUnknown InboundDecision = iota
	DecisionDeliver
	DecisionSummarize
	DecisionDelay
	DecisionSilence
	DecisionEscalate
)

func (d InboundDecision) String() string {
	switch d {
	case DecisionDeliver:
		return "deliver"
	case DecisionSummarize:
		return "summarize"
	case DecisionDelay:
		return "delay"
	case DecisionSilence:
		return "silence"
	case DecisionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

func (d InboundDecision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *InboundDecision) UnmarshalText(b []byte) error {
	switch string(b) {
	case "deliver":
		*d = DecisionDeliver
	case "summarize":
		*d = DecisionSummarize
	case "delay":
		*d = DecisionDelay
	case "silence":
		*d = DecisionSilence
	case "escalate":
		*d = DecisionEscalate
	default:
		return fmt.Errorf("risk: unknown inbound decision %q", b)
	}
	return nil
}
