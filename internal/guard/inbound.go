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

// ContentTypeEmergency marks an inbound message that bypasses quiet hours.
const ContentTypeEmergency = "emergency"

// ValidateInbound evaluates a message addressed to the user and records
// every stage.
func (s *Service) ValidateInbound(ctx context.Context, req InboundRequest) InboundVerdict {
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues(string(risk.DirectionInbound)).Observe(time.Since(start).Seconds())
	}()
	ctx, span := traces.StartSpan(ctx, "guard.validate_inbound", traces.Direction(string(risk.DirectionInbound)))
	defer span.End()

	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	req.Platform = validation.NormalizePlatform(req.Platform)
	at := s.timestamp(req.Timestamp)

	r, urgency, classified := s.classifyInbound(ctx, req)
	ctx = logging.WithTraceID(ctx, r.TraceID)
	span.SetAttributes(traces.TraceID(r.TraceID))
	s.appendRecord(ctx, r.TraceID, audit.StageClassification, r.Decision.String(), classificationDetails(r.Evaluation, req.MessageID))

	var med inboundMediated
	if deliverable(r.Decision) {
		r, med = s.mediateInbound(ctx, req, at, urgency, r)
	}

	r, enf := s.enforceInbound(ctx, r, req.MessageID, classified && !med.failed)

	v := InboundVerdict{
		MessageID:       req.MessageID,
		TraceID:         r.TraceID,
		Decision:        r.Decision,
		Category:        r.Category,
		Confidence:      r.Confidence,
		MatchedPatterns: r.MatchedPatterns,
		Explanation:     r.Explanation,
		SafeSummary:     r.SafeSummary,
		DelaySeconds:    r.DelaySeconds,
		DeliverAt:       med.deliverAt,
		Enforcement:     enf,
		MediationReason: med.reason,
	}

	decision := r.Decision.String()
	s.appendBucket(ctx, r.Evaluation, req.MessageID, decision, req.Sender, enf)
	countDecision(r.Evaluation, decision, enf)
	s.alert(ctx, r.Evaluation, decision, req.MessageID, req.Platform, enf)
	span.SetAttributes(traces.Decision(decision), traces.Category(r.Category.String()), traces.Confidence(r.Confidence))

	v.Mode = s.failsafe.Snapshot().Mode
	return v
}

func deliverable(d risk.InboundDecision) bool {
	return d == risk.DecisionDeliver || d == risk.DecisionSummarize || d == risk.DecisionDelay
}

func checkInbound(req InboundRequest) error {
	if req.contentErr != nil {
		return req.contentErr
	}
	if err := validation.CheckDirection(req.Direction, string(risk.DirectionInbound)); err != nil {
		return err
	}
	errs := validation.Validate(
		validation.Content("content", req.Content),
		validation.ValidID("message_id", req.MessageID),
		validation.Required("sender", req.Sender),
		validation.MaxLength("sender", req.Sender, validation.MaxStringLength),
		validation.MaxLength("recipient", req.Recipient, validation.MaxStringLength),
		validation.MaxLength("content_type", req.ContentType, validation.MaxStringLength),
		validation.ValidPlatform("platform", req.Platform),
		validation.OneOf("urgency", strings.ToLower(req.Urgency), urgencies...),
	)
	if f := req.Frequency; f != nil && (f.MessagesPerHour < 0 || f.MessagesAfterBlock < 0) {
		errs = append(errs, validation.ValidationError{Field: "frequency_data", Message: "counts must not be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s *Service) classifyInbound(ctx context.Context, req InboundRequest) (risk.InboundResult, mediation.Urgency, bool) {
	ctx, span := traces.StartSpan(ctx, "guard.classify", traces.Direction(string(risk.DirectionInbound)))
	defer span.End()

	if err := checkInbound(req); err != nil {
		logging.L(ctx).Warn("inbound input rejected", "error", err)
		return s.protectiveInbound("", req.Content, risk.CategoryInvalidInput, confidenceInvalidInput,
			"Input validation", "Input validation failed: "+err.Error(), false), mediation.UrgencyNormal, false
	}
	urgency, _ := mediation.ParseUrgency(req.Urgency)

	if s.failsafe.Emergency() {
		logging.L(ctx).Warn("emergency mode, withholding inbound content")
		return s.protectiveInbound("", req.Content, risk.CategorySystemFallback, confidenceFallback,
			"Emergency mode", "System in emergency mode: inbound content withheld", false), urgency, false
	}

	r, err := s.safeInbound(req.Content, req.Frequency)
	if err != nil {
		traces.Fail(span, err)
		s.failsafe.RecordFailure("classification")
		logging.L(ctx).Error("classification failed", "error", err)
		return s.protectiveInbound("", req.Content, risk.CategorySystemFallback, confidenceFallback,
			"System fallback", "Classification failure: content withheld for safety", true), urgency, false
	}
	return r, urgency, true
}

type inboundMediated struct {
	deliverAt time.Time
	reason    string
	failed    bool
}

// mediateInbound applies the contact cap when a platform is named, then
// quiet hours to whatever remains deliverable.
func (s *Service) mediateInbound(ctx context.Context, req InboundRequest, at time.Time, u mediation.Urgency, r risk.InboundResult) (risk.InboundResult, inboundMediated) {
	ctx, span := traces.StartSpan(ctx, "guard.mediate", traces.Platform(req.Platform))
	defer span.End()

	var out inboundMediated
	details := map[string]string{audit.KeyActionID: req.MessageID}
	decision := "allowed"

	if req.Platform != "" {
		recipient := req.Recipient
		if recipient == "" {
			recipient = defaultInboundRecipient
		}
		details[audit.KeyPlatform] = req.Platform
		d, err := s.mediator.CheckAndRecordContact(ctx, req.Sender, recipient, req.Platform, at)
		switch {
		case err != nil:
			traces.Fail(span, err)
			s.failsafe.RecordFailure("mediation")
			logging.L(ctx).Error("contact ledger unavailable", "error", err)
			r = s.protectiveInbound(r.TraceID, req.Content, risk.CategorySystemFallback, confidenceFallback,
				"System fallback", "Contact ledger unavailable: content withheld for safety", false)
			out.failed = true
			overrideDetails(details, r.Evaluation, r.Decision.String())
			s.appendRecord(ctx, r.TraceID, audit.StageMediation, "failed", details)
			return r, out

		case !d.Allowed:
			r = risk.InboundResult{
				Evaluation: s.evaluation(risk.PrefixInbound, risk.DirectionInbound, r.TraceID, req.Content,
					risk.CategoryFrequencyLimit, confidenceFrequencyLimit, "Daily contact cap",
					fmt.Sprintf("Frequency limit: %d of %d %s messages from sender today", d.Count, d.Limit, req.Platform)),
				Decision: risk.DecisionSilence,
			}
			out.reason = "frequency_limit"
			details["count"], details["limit"] = strconv.Itoa(d.Count), strconv.Itoa(d.Limit)
			overrideDetails(details, r.Evaluation, r.Decision.String())
			metrics.MediationOverridesTotal.WithLabelValues("frequency_limit").Inc()
			s.appendRecord(ctx, r.TraceID, audit.StageMediation, "capped", details)
			return r, out
		}
		details["count"], details["limit"] = strconv.Itoa(d.Count), strconv.Itoa(d.Limit)
	}

	base := at
	if r.Decision == risk.DecisionDelay {
		base = at.Add(time.Duration(r.DelaySeconds) * time.Second)
		out.deliverAt = base
	}
	if req.ContentType == ContentTypeEmergency {
		u = mediation.UrgencyEmergency
	}
	if until, held := s.mediator.Hold(base, u); held {
		out.deliverAt = until
		out.reason = "quiet_hours"
		decision = "delayed"
		details[audit.KeyDelayUntil] = until.UTC().Format(time.RFC3339)
		metrics.MediationOverridesTotal.WithLabelValues("quiet_hours").Inc()
	}
	s.appendRecord(ctx, r.TraceID, audit.StageMediation, decision, details)
	return r, out
}

func (s *Service) enforceInbound(ctx context.Context, r risk.InboundResult, messageID string, healthy bool) (risk.InboundResult, enforcement.Result) {
	ctx, span := traces.StartSpan(ctx, "guard.enforce")
	defer span.End()

	enf, err := enforcement.MapInbound(r)
	if err != nil {
		traces.Fail(span, err)
		s.failsafe.RecordFailure("enforcement")
		logging.L(ctx).Error("enforcement mapping failed", "error", err)
		r = s.protectiveInbound(r.TraceID, r.Content, risk.CategorySystemFallback, confidenceFallback,
			"System fallback", "Enforcement mapping failure: content withheld for safety", true)
		enf, _ = enforcement.MapInbound(r)
	} else if healthy {
		s.failsafe.RecordSuccess()
	}
	s.appendRecord(ctx, r.TraceID, audit.StageEnforcement, string(enf.State), enforcementDetails(enf, messageID))
	return r, enf
}
