package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/enforcement"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/mediation"
	"github.com/mbd888/safegate/internal/metrics"
	"github.com/mbd888/safegate/internal/realtime"
	"github.com/mbd888/safegate/internal/risk"
)

const anonymousUser = "anonymous"

var urgencies = []string{
	string(mediation.UrgencyLow),
	string(mediation.UrgencyNormal),
	string(mediation.UrgencyHigh),
	string(mediation.UrgencyCritical),
	string(mediation.UrgencyEmergency),
}

// safeOutbound converts a classifier panic into ErrClassificationFailure.
func (s *Service) safeOutbound(content string, isMinor bool) (r risk.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", risk.ErrClassificationFailure, p)
		}
	}()
	return s.classifier.Outbound(content, isMinor), nil
}

func (s *Service) safeInbound(content string, freq *risk.FrequencyData) (r risk.InboundResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", risk.ErrClassificationFailure, p)
		}
	}()
	return s.classifier.Inbound(content, freq), nil
}

func (s *Service) evaluation(prefix string, dir risk.Direction, traceID, content string, cat risk.Category, conf float64, pattern, explanation string) risk.Evaluation {
	version := s.classifier.Library().Version()
	if traceID == "" {
		traceID = risk.TraceID(prefix, content, cat, version)
	}
	return risk.Evaluation{
		TraceID:         traceID,
		Direction:       dir,
		Category:        cat,
		Confidence:      conf,
		MatchedPatterns: []string{pattern},
		Explanation:     explanation,
		Content:         content,
		RulesetVersion:  version,
	}
}

// deniedAction builds a pipeline-derived hard deny. An empty traceID is
// derived from the content and category.
func (s *Service) deniedAction(traceID, content string, cat risk.Category, conf float64, pattern, explanation string) risk.Result {
	return risk.Result{
		Evaluation: s.evaluation(risk.PrefixTrace, risk.DirectionOutbound, traceID, content, cat, conf, pattern, explanation),
		Decision:   risk.DecisionHardDeny,
		Response:   risk.GenericSafeMessage,
	}
}

// protectiveInbound builds a pipeline-derived inbound verdict: escalate when
// the content carries a crisis indicator, otherwise silence.
func (s *Service) protectiveInbound(traceID, content string, cat risk.Category, conf float64, pattern, explanation string, forceEscalate bool) risk.InboundResult {
	decision := risk.DecisionSilence
	if forceEscalate || s.classifier.Library().HasCrisisIndicator(content) {
		decision = risk.DecisionEscalate
	}
	return risk.InboundResult{
		Evaluation: s.evaluation(risk.PrefixInbound, risk.DirectionInbound, traceID, content, cat, conf, pattern, explanation),
		Decision:   decision,
	}
}

// appendRecord writes one stage record. Audit failures are logged and
// counted but never change the verdict.
func (s *Service) appendRecord(ctx context.Context, traceID string, stage audit.Stage, decision string, details map[string]string) {
	rec := audit.Record{
		TraceID:   traceID,
		Stage:     stage,
		Decision:  decision,
		Timestamp: s.now().UTC(),
		Details:   details,
	}
	if _, err := s.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		metrics.AuditWriteFailures.WithLabelValues("record").Inc()
		logging.L(ctx).Error("audit append failed", "stage", stage, "error", err)
		return
	}
	logging.L(ctx).Debug("stage complete", "stage", stage, "decision", decision)
}

func (s *Service) appendBucket(ctx context.Context, ev risk.Evaluation, actionID, decision, user string, enf enforcement.Result) {
	b := audit.BucketEntry{
		TraceID:               ev.TraceID,
		ActionID:              actionID,
		Decision:              decision,
		RiskCategory:          ev.Category.String(),
		Confidence:            ev.Confidence,
		EnforcementDecision:   string(enf.State),
		EnforcementSeverity:   string(enf.Severity),
		EnforcementConfidence: enf.Confidence,
		UserIDHash:            UserIDHash(user),
		BucketID:              BucketID(ev.TraceID),
		Timestamp:             s.now().UTC(),
	}
	if err := s.audit.AppendBucket(context.WithoutCancel(ctx), b); err != nil {
		metrics.AuditWriteFailures.WithLabelValues("bucket").Inc()
		logging.L(ctx).Error("bucket append failed", "error", err)
	}
}

// UserIDHash is the first 8 hex characters of sha256(user).
func UserIDHash(user string) string {
	if strings.TrimSpace(user) == "" {
		user = anonymousUser
	}
	sum := sha256.Sum256([]byte(user))
	return hex.EncodeToString(sum[:])[:8]
}

// BucketID is "bucket_" plus the last 8 characters of the trace id.
func BucketID(traceID string) string {
	if len(traceID) > 8 {
		traceID = traceID[len(traceID)-8:]
	}
	return "bucket_" + traceID
}

func classificationDetails(ev risk.Evaluation, actionID string) map[string]string {
	d := map[string]string{
		audit.KeyCategory:   ev.Category.String(),
		audit.KeyConfidence: audit.FormatConfidence(ev.Confidence),
		audit.KeyDirection:  string(ev.Direction),
	}
	if actionID != "" {
		d[audit.KeyActionID] = actionID
	}
	return d
}

func enforcementDetails(enf enforcement.Result, actionID string) map[string]string {
	d := map[string]string{
		audit.KeySeverity:   string(enf.Severity),
		audit.KeyConfidence: audit.FormatConfidence(enf.Confidence),
	}
	if actionID != "" {
		d[audit.KeyActionID] = actionID
	}
	return d
}

// alert publishes denials to reviewers.
func (s *Service) alert(ctx context.Context, ev risk.Evaluation, decision, actionID, platform string, enf enforcement.Result) {
	var t realtime.EventType
	switch enf.State {
	case enforcement.StateEscalate:
		t = realtime.EventEscalation
	case enforcement.StateBlock:
		t = realtime.EventBlock
	default:
		return
	}
	logging.L(ctx).Warn("content denied",
		"direction", ev.Direction,
		"risk_category", ev.Category.String(),
		"enforcement", enf.State,
		"severity", enf.Severity,
	)
	s.publisher.Publish(t, realtime.Alert{
		TraceID:    ev.TraceID,
		ActionID:   actionID,
		Direction:  string(ev.Direction),
		Category:   ev.Category.String(),
		Decision:   decision,
		State:      string(enf.State),
		Severity:   string(enf.Severity),
		Confidence: ev.Confidence,
		Platform:   platform,
	})
}

func countDecision(ev risk.Evaluation, decision string, enf enforcement.Result) {
	metrics.DecisionsTotal.WithLabelValues(string(ev.Direction), decision, ev.Category.String()).Inc()
	metrics.EnforcementTotal.WithLabelValues(string(enf.State), string(enf.Severity)).Inc()
}
