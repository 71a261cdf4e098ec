// Package guard runs the full safety pipeline for assistant actions and
// inbound messages:
//
//	classify -> mediate -> enforce -> approve -> audit
//
// Every stage that runs appends one audit record under the request's trace
// id. Failures inside the pipeline are never returned to the caller; they
// resolve to the most conservative verdict for the direction and are
// counted by the failure tracker, which can force emergency mode.
package guard

import (
	"errors"
	"time"

	"github.com/mbd888/safegate/internal/approval"
	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/enforcement"
	"github.com/mbd888/safegate/internal/failsafe"
	"github.com/mbd888/safegate/internal/mediation"
	"github.com/mbd888/safegate/internal/realtime"
	"github.com/mbd888/safegate/internal/risk"
)

var (
	ErrUnknownAction  = errors.New("guard: no enforcement record for action")
	ErrNotApprovable  = errors.New("guard: enforcement did not allow action")
	ErrInvalidRequest = errors.New("guard: action_id and trace_id are required")
)

// Sender recorded in the contact ledger for assistant actions.
const AssistantSender = "assistant"

// Default recipient for inbound ledger keys when the request names none.
const defaultInboundRecipient = "user"

// Pipeline-derived verdict confidences. Fallbacks exceed the escalation
// threshold so they always reach a human reviewer.
const (
	confidenceFrequencyLimit = 90.0
	confidenceInvalidInput   = 90.0
	confidenceFallback       = 100.0
)

// Evaluator classifies content. *risk.Classifier implements it.
type Evaluator interface {
	Outbound(content string, isMinor bool) risk.Result
	Inbound(content string, freq *risk.FrequencyData) risk.InboundResult
	Library() *risk.Library
}

// FailureTracker drives the failsafe mode. *failsafe.Tracker implements it.
type FailureTracker interface {
	RecordFailure(kind string)
	RecordSuccess()
	Emergency() bool
	Reset()
	Snapshot() failsafe.Snapshot
}

// Publisher receives reviewer alerts. *realtime.Hub implements it.
type Publisher interface {
	Publish(t realtime.EventType, a realtime.Alert)
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.EventType, realtime.Alert) {}

// Options configures a Service. Zero fields get in-memory defaults.
type Options struct {
	Classifier Evaluator
	Mediator   *mediation.Mediator
	Gateway    *approval.Gateway
	Dispatcher approval.Dispatcher
	Audit      audit.Sink
	Failsafe   FailureTracker
	Publisher  Publisher
	Now        func() time.Time
}

// Service is the pipeline facade. Safe for concurrent use.
type Service struct {
	classifier Evaluator
	mediator   *mediation.Mediator
	gateway    *approval.Gateway
	dispatcher approval.Dispatcher
	audit      audit.Sink
	failsafe   FailureTracker
	publisher  Publisher
	now        func() time.Time
}

// NewService wires a Service from opts.
func NewService(opts Options) *Service {
	s := &Service{
		classifier: opts.Classifier,
		mediator:   opts.Mediator,
		gateway:    opts.Gateway,
		dispatcher: opts.Dispatcher,
		audit:      opts.Audit,
		failsafe:   opts.Failsafe,
		publisher:  opts.Publisher,
		now:        opts.Now,
	}
	if s.classifier == nil {
		s.classifier = risk.NewClassifier(nil)
	}
	if s.mediator == nil {
		s.mediator = mediation.NewMediator(nil)
	}
	if s.gateway == nil {
		s.gateway = approval.NewGateway(nil)
	}
	if s.dispatcher == nil {
		s.dispatcher = approval.LogDispatcher{}
	}
	if s.audit == nil {
		s.audit = audit.NewMemorySink()
	}
	if s.failsafe == nil {
		s.failsafe = failsafe.New(failsafe.DefaultThreshold)
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Gateway returns the approval gateway.
func (s *Service) Gateway() *approval.Gateway { return s.gateway }

// Audit returns the audit sink.
func (s *Service) Audit() audit.Sink { return s.audit }

// SystemState reports the failsafe counters.
func (s *Service) SystemState() failsafe.Snapshot { return s.failsafe.Snapshot() }

// ResetFailsafe is the operator action that leaves emergency mode.
func (s *Service) ResetFailsafe() { s.failsafe.Reset() }

// ActionRequest is an outbound assistant action to evaluate.
type ActionRequest struct {
	ActionID   string    `json:"action_id,omitempty"`
	Content    string    `json:"content"`
	ActionType string    `json:"action_type,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	Urgency    string    `json:"urgency,omitempty"`
	IsMinor    bool      `json:"is_minor,omitempty"`
	Direction  string    `json:"direction,omitempty"`

	contentErr error
}

// ActionVerdict is the outcome of ValidateAction.
type ActionVerdict struct {
	ActionID        string              `json:"action_id"`
	TraceID         string              `json:"trace_id"`
	Decision        risk.ActionDecision `json:"decision"`
	Category        risk.Category       `json:"risk_category"`
	Confidence      float64             `json:"confidence"`
	MatchedPatterns []string            `json:"matched_patterns"`
	Explanation     string              `json:"explanation"`
	SafeRewrite     string              `json:"safe_rewrite,omitempty"`
	Response        string              `json:"response,omitempty"`
	Enforcement     enforcement.Result  `json:"enforcement"`
	ApprovalToken   string              `json:"approval_token,omitempty"`
	ApprovalError   string              `json:"approval_error,omitempty"`
	DelayUntil      time.Time           `json:"delay_until,omitzero"`
	MediationReason string              `json:"mediation_reason,omitempty"`
	Mode            string              `json:"system_mode"`
}

// InboundRequest is a message addressed to the user.
type InboundRequest struct {
	MessageID   string              `json:"message_id,omitempty"`
	Content     string              `json:"content"`
	Sender      string              `json:"sender"`
	ContentType string              `json:"content_type,omitempty"`
	Frequency   *risk.FrequencyData `json:"frequency_data,omitempty"`
	Platform    string              `json:"platform,omitempty"`
	Recipient   string              `json:"recipient,omitempty"`
	Timestamp   time.Time           `json:"timestamp,omitzero"`
	Urgency     string              `json:"urgency,omitempty"`
	Direction   string              `json:"direction,omitempty"`

	contentErr error
}

// InboundVerdict is the outcome of ValidateInbound.
type InboundVerdict struct {
	MessageID       string               `json:"message_id"`
	TraceID         string               `json:"trace_id"`
	Decision        risk.InboundDecision `json:"decision"`
	Category        risk.Category        `json:"risk_category"`
	Confidence      float64              `json:"confidence"`
	MatchedPatterns []string             `json:"matched_patterns"`
	Explanation     string               `json:"explanation"`
	SafeSummary     string               `json:"safe_summary,omitempty"`
	DelaySeconds    int                  `json:"delay_duration,omitempty"`
	DeliverAt       time.Time            `json:"deliver_at,omitzero"`
	Enforcement     enforcement.Result   `json:"enforcement"`
	MediationReason string               `json:"mediation_reason,omitempty"`
	Mode            string               `json:"system_mode"`
}

// ExecuteRequest asks the gateway to run an approved action.
type ExecuteRequest struct {
	ActionID   string `json:"action_id"`
	TraceID    string `json:"trace_id"`
	Token      string `json:"approval_token"`
	Content    string `json:"content"`
	ActionType string `json:"action_type,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
}

func (s *Service) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}
