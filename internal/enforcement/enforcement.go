// Package enforcement turns classifier verdicts into enforcement states.
//
// The mapping is safety-first: a result never resolves toward a more
// permissive state than the table allows, and any verdict the table does not
// cover maps to block with an error so callers can count the failure.
//
//	allow                       -> allow    / low
//	soft_rewrite                -> monitor  / medium
//	hard_deny (critical cat.)   -> escalate / critical
//	hard_deny (other)           -> block    / high
//	unknown                     -> block    / high + ErrUnmappedDecision
//
// A classifier confidence above EscalationThreshold forces escalate/critical
// and takes precedence over the table.
package enforcement

import (
	"errors"
	"fmt"

	"github.com/mbd888/safegate/internal/risk"
)

// ErrUnmappedDecision is returned when a verdict has no mapping entry.
var ErrUnmappedDecision = errors.New("enforcement: unmapped decision")

// State is the enforcement outcome.
type State string

const (
	StateAllow    State = "allow"
	StateMonitor  State = "monitor"
	StateBlock    State = "block"
	StateEscalate State = "escalate"
)

// Severity ranks how serious an enforcement outcome is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EscalationThreshold is the classifier confidence above which any verdict
// escalates.
const EscalationThreshold = 95.0

// Confidence the enforcement layer reports for each outcome.
const (
	ConfidenceAllow    = 0.95
	ConfidenceMonitor  = 0.85
	ConfidenceEscalate = 0.98
	ConfidenceBlock    = 0.92
	ConfidenceFallback = 0.90
)

// Result is derived 1:1 from a classifier result and shares its trace id.
type Result struct {
	TraceID    string   `json:"trace_id"`
	State      State    `json:"decision"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
}

// Permits reports whether the state lets an action proceed to approval.
func (s State) Permits() bool { return s == StateAllow }

// Denies reports whether the state must place the action on the blocked list.
func (s State) Denies() bool { return s == StateBlock || s == StateEscalate }

// Critical reports whether a hard-denied category must go to human review.
func Critical(c risk.Category) bool {
	switch c {
	case risk.CategorySelfHarm, risk.CategorySexualMinors, risk.CategoryIllegalIntent, risk.CategoryGrooming:
		return true
	default:
		return false
	}
}

var (
	allow    = Result{State: StateAllow, Severity: SeverityLow, Confidence: ConfidenceAllow}
	monitor  = Result{State: StateMonitor, Severity: SeverityMedium, Confidence: ConfidenceMonitor}
	block    = Result{State: StateBlock, Severity: SeverityHigh, Confidence: ConfidenceBlock}
	escalate = Result{State: StateEscalate, Severity: SeverityCritical, Confidence: ConfidenceEscalate}
	fallback = Result{State: StateBlock, Severity: SeverityHigh, Confidence: ConfidenceFallback}
)

// Map derives the enforcement result for an outbound classification.
func Map(r risk.Result) (Result, error) {
	var out Result
	var err error

	switch r.Decision {
	case risk.DecisionAllow:
		out = allow
	case risk.DecisionSoftRewrite:
		out = monitor
	case risk.DecisionHardDeny:
		if Critical(r.Category) {
			out = escalate
		} else {
			out = block
		}
	default:
		out = fallback
		err = fmt.Errorf("%w: outbound %s/%s", ErrUnmappedDecision, r.Decision, r.Category)
	}

	return finish(out, r.TraceID, r.Confidence), err
}

// MapInbound derives the enforcement result for an inbound classification.
// Delay and summarize are monitored deliveries; silence blocks.
func MapInbound(r risk.InboundResult) (Result, error) {
	var out Result
	var err error

	switch r.Decision {
	case risk.DecisionDeliver:
		out = allow
	case risk.DecisionSummarize:
		out = monitor
		out.Severity = SeverityLow
	case risk.DecisionDelay:
		out = monitor
	case risk.DecisionSilence:
		out = block
	case risk.DecisionEscalate:
		out = escalate
	default:
		out = fallback
		err = fmt.Errorf("%w: inbound %s/%s", ErrUnmappedDecision, r.Decision, r.Category)
	}

	return finish(out, r.TraceID, r.Confidence), err
}

func finish(out Result, traceID string, classifierConfidence float64) Result {
	if classifierConfidence > EscalationThreshold {
		out = escalate
	}
	out.TraceID = traceID
	return out
}
