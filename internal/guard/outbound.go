package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/enforcement"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/mediation"
	"github.com/mbd888/safegate/internal/metrics"
	"github.com/mbd888/safegate/internal/risk"
	"github.com/mbd888/safegate/internal/traces"
	"github.com/mbd888/safegate/internal/validation"
)

// ValidateAction evaluates an outbound assistant action, issues an approval
// token when enforcement allows it and records every stage.
func (s *Service) ValidateAction(ctx context.Context, req ActionRequest) ActionVerdict {
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues(string(risk.DirectionOutbound)).Observe(time.Since(start).Seconds())
	}()
	ctx, span := traces.StartSpan(ctx, "guard.validate_action", traces.Direction(string(risk.DirectionOutbound)))
	defer span.End()

	if req.ActionID == "" {
		req.ActionID = uuid.NewString()
	}
	req.Platform = validation.NormalizePlatform(req.Platform)
	at := s.timestamp(req.Timestamp)

	r, urgency, classified := s.classifyAction(ctx, req)
	ctx = logging.WithTraceID(ctx, r.TraceID)
	span.SetAttributes(traces.TraceID(r.TraceID), traces.ActionID(req.ActionID))
	s.appendRecord(ctx, r.TraceID, audit.StageClassification, r.Decision.String(), classificationDetails(r.Evaluation, req.ActionID))

	var med mediated
	if r.Decision == risk.DecisionAllow {
		r, med = s.mediateAction(ctx, req, at, urgency, r)
	}

	r, enf := s.enforceAction(ctx, r, req.ActionID, classified && !med.failed)

	v := ActionVerdict{
		ActionID:        req.ActionID,
		TraceID:         r.TraceID,
		Decision:        r.Decision,
		Category:        r.Category,
		Confidence:      r.Confidence,
		MatchedPatterns: r.MatchedPatterns,
		Explanation:     r.Explanation,
		SafeRewrite:     r.SafeRewrite,
		Response:        r.Response,
		Enforcement:     enf,
		DelayUntil:      med.delayUntil,
		MediationReason: med.reason,
	}
	s.approveAction(ctx, req, &v)

	decision := r.Decision.String()
	s.appendBucket(ctx, r.Evaluation, req.ActionID, decision, req.Recipient, enf)
	countDecision(r.Evaluation, decision, enf)
	s.alert(ctx, r.Evaluation, decision, req.ActionID, req.Platform, enf)
	span.SetAttributes(traces.Decision(decision), traces.Category(r.Category.String()), traces.Confidence(r.Confidence))

	v.Mode = s.failsafe.Snapshot().Mode
	return v
}

// MapValidatorToEnforcement classifies content as an outbound action and
// returns only the enforcement mapping. Nothing is recorded.
func (s *Service) MapValidatorToEnforcement(ctx context.Context, content string) enforcement.Result {
	r, _, classified := s.classifyAction(ctx, ActionRequest{Content: content})
	enf, err := enforcement.Map(r)
	if err != nil {
		s.failsafe.RecordFailure("enforcement")
		logging.L(ctx).Error("enforcement mapping failed", "error", err)
		fb := s.deniedAction(r.TraceID, content, risk.CategorySystemFallback, confidenceFallback,
			"System fallback", "Enforcement mapping failure: action denied for safety")
		enf, _ = enforcement.Map(fb)
		return enf
	}
	if classified {
		s.failsafe.RecordSuccess()
	}
	return enf
}

func checkAction(req ActionRequest) error {
	if req.contentErr != nil {
		return req.contentErr
	}
	if err := validation.CheckDirection(req.Direction, string(risk.DirectionOutbound)); err != nil {
		return err
	}
	errs := validation.Validate(
		validation.Content("content", req.Content),
		validation.ValidID("action_id", req.ActionID),
		validation.ValidPlatform("platform", req.Platform),
		validation.MaxLength("recipient", req.Recipient, validation.MaxStringLength),
		validation.MaxLength("action_type", req.ActionType, validation.MaxStringLength),
		validation.OneOf("urgency", strings.ToLower(req.Urgency), urgencies...),
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// classifyAction returns the classification and whether the classifier
// actually ran to completion.
func (s *Service) classifyAction(ctx context.Context, req ActionRequest) (risk.Result, mediation.Urgency, bool) {
	ctx, span := traces.StartSpan(ctx, "guard.classify", traces.Direction(string(risk.DirectionOutbound)))
	defer span.End()

	if err := checkAction(req); err != nil {
		logging.L(ctx).Warn("outbound input rejected", "error", err)
		return s.deniedAction("", req.Content, risk.CategoryInvalidInput, confidenceInvalidInput,
			"Input validation", "Input validation failed: "+err.Error()), mediation.UrgencyNormal, false
	}
	urgency, _ := mediation.ParseUrgency(req.Urgency)

	if s.failsafe.Emergency() {
		logging.L(ctx).Warn("emergency mode, denying outbound action")
		return s.deniedAction("", req.Content, risk.CategorySystemFallback, confidenceFallback,
			"Emergency mode", "System in emergency mode: all outbound actions denied"), urgency, false
	}

	r, err := s.safeOutbound(req.Content, req.IsMinor)
	if err != nil {
		traces.Fail(span, err)
		s.failsafe.RecordFailure("classification")
		logging.L(ctx).Error("classification failed", "error", err)
		return s.deniedAction("", req.Content, risk.CategorySystemFallback, confidenceFallback,
			"System fallback", "Classification failure: content denied for safety"), urgency, false
	}
	return r, urgency, true
}

type mediated struct {
	delayUntil time.Time
	reason     string
	failed     bool
}

// mediateAction applies the contact cap and quiet hours to an allowed action.
func (s *Service) mediateAction(ctx context.Context, req ActionRequest, at time.Time, u mediation.Urgency, r risk.Result) (risk.Result, mediated) {
	ctx, span := traces.StartSpan(ctx, "guard.mediate", traces.Platform(req.Platform))
	defer span.End()

	var out mediated
	details := map[string]string{audit.KeyActionID: req.ActionID}
	decision := "allowed"

	// A re-validation of an action that already holds its token is the same
	// contact attempt and is not counted again.
	recorded := s.gateway.Granted(req.ActionID, r.TraceID) || s.gateway.Executed(req.ActionID)
	if req.Platform != "" && req.Recipient != "" && recorded {
		details[audit.KeyPlatform] = req.Platform
		details["contact"] = "already_recorded"
	}
	if req.Platform != "" && req.Recipient != "" && !recorded {
		details[audit.KeyPlatform] = req.Platform
		d, err := s.mediator.CheckAndRecordContact(ctx, AssistantSender, req.Recipient, req.Platform, at)
		switch {
		case err != nil:
			traces.Fail(span, err)
			s.failsafe.RecordFailure("mediation")
			logging.L(ctx).Error("contact ledger unavailable", "error", err)
			r = s.deniedAction(r.TraceID, req.Content, risk.CategorySystemFallback, confidenceFallback,
				"System fallback", "Contact ledger unavailable: action denied for safety")
			out.failed = true
			decision = "failed"
			overrideDetails(details, r.Evaluation, r.Decision.String())
			s.appendRecord(ctx, r.TraceID, audit.StageMediation, decision, details)
			return r, out

		case !d.Allowed:
			r = s.deniedAction(r.TraceID, req.Content, risk.CategoryFrequencyLimit, confidenceFrequencyLimit,
				"Daily contact cap", fmt.Sprintf("Frequency limit: %d of %d %s contacts used today", d.Count, d.Limit, req.Platform))
			out.reason = "frequency_limit"
			decision = "capped"
			details["count"], details["limit"] = strconv.Itoa(d.Count), strconv.Itoa(d.Limit)
			overrideDetails(details, r.Evaluation, r.Decision.String())
			metrics.MediationOverridesTotal.WithLabelValues("frequency_limit").Inc()
			s.appendRecord(ctx, r.TraceID, audit.StageMediation, decision, details)
			return r, out
		}
		details["count"], details["limit"] = strconv.Itoa(d.Count), strconv.Itoa(d.Limit)
	}

	if until, held := s.mediator.Hold(at, u); held {
		out.delayUntil = until
		out.reason = "quiet_hours"
		decision = "delayed"
		details[audit.KeyDelayUntil] = until.UTC().Format(time.RFC3339)
		metrics.MediationOverridesTotal.WithLabelValues("quiet_hours").Inc()
		logging.L(ctx).Info("action held for quiet hours", "delay_until", until)
	}
	s.appendRecord(ctx, r.TraceID, audit.StageMediation, decision, details)
	return r, out
}

func overrideDetails(details map[string]string, ev risk.Evaluation, verdict string) {
	details[audit.KeyVerdict] = verdict
	details[audit.KeyCategory] = ev.Category.String()
	details[audit.KeyConfidence] = audit.FormatConfidence(ev.Confidence)
}

// enforceAction maps r. A mapping failure replaces r with a system fallback
// under the same trace id.
func (s *Service) enforceAction(ctx context.Context, r risk.Result, actionID string, healthy bool) (risk.Result, enforcement.Result) {
	ctx, span := traces.StartSpan(ctx, "guard.enforce")
	defer span.End()

	enf, err := enforcement.Map(r)
	if err != nil {
		traces.Fail(span, err)
		s.failsafe.RecordFailure("enforcement")
		logging.L(ctx).Error("enforcement mapping failed", "error", err)
		r = s.deniedAction(r.TraceID, r.Content, risk.CategorySystemFallback, confidenceFallback,
			"System fallback", "Enforcement mapping failure: action denied for safety")
		enf, _ = enforcement.Map(r)
	} else if healthy {
		s.failsafe.RecordSuccess()
	}
	s.appendRecord(ctx, r.TraceID, audit.StageEnforcement, string(enf.State), enforcementDetails(enf, actionID))
	return r, enf
}

// approveAction issues, withholds or blocks according to the enforcement state.
func (s *Service) approveAction(ctx context.Context, req ActionRequest, v *ActionVerdict) {
	ctx, span := traces.StartSpan(ctx, "guard.approve", traces.ActionID(req.ActionID))
	defer span.End()

	details := map[string]string{audit.KeyActionID: req.ActionID}
	var decision string

	switch {
	case v.Enforcement.State.Permits():
		tok, err := s.gateway.Issue(ctx, req.ActionID, v.TraceID, v.DelayUntil)
		if err != nil {
			traces.Fail(span, err)
			v.ApprovalError = err.Error()
			decision = "refused"
			details[audit.KeyReason] = err.Error()
			logging.L(ctx).Warn("approval refused", "action_id", req.ActionID, "error", err)
			break
		}
		v.ApprovalToken = tok
		decision = "issued"
		if !v.DelayUntil.IsZero() {
			details[audit.KeyDelayUntil] = v.DelayUntil.UTC().Format(time.RFC3339)
		}

	case v.Enforcement.State.Denies():
		s.gateway.Block(ctx, req.ActionID, v.TraceID, v.Explanation)
		decision = "blocked"
		details[audit.KeyReason] = v.Explanation

	default:
		decision = "withheld"
	}
	s.appendRecord(ctx, v.TraceID, audit.StageApproval, decision, details)
}
