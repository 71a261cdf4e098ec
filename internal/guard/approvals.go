package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/safegate/internal/approval"
	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/enforcement"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/realtime"
	"github.com/mbd888/safegate/internal/traces"
)

// IssueApprovalToken grants a token for an action whose latest enforcement
// record under traceID is allow. A quiet-hours hold recorded at mediation
// carries over to the token.
func (s *Service) IssueApprovalToken(ctx context.Context, actionID, traceID string) (string, error) {
	if actionID == "" || traceID == "" {
		return "", ErrInvalidRequest
	}
	ctx = logging.WithTraceID(ctx, traceID)
	ctx, span := traces.StartSpan(ctx, "guard.issue_token", traces.ActionID(actionID), traces.TraceID(traceID))
	defer span.End()

	records, err := s.audit.ByTrace(ctx, traceID)
	if err != nil {
		traces.Fail(span, err)
		return "", fmt.Errorf("guard: load trace: %w", err)
	}
	enf, ok := audit.Latest(records, audit.StageEnforcement, actionID)
	if !ok {
		return "", ErrUnknownAction
	}
	if enforcement.State(enf.Decision) != enforcement.StateAllow {
		return "", fmt.Errorf("%w: %s", ErrNotApprovable, enf.Decision)
	}

	var notBefore time.Time
	if med, ok := audit.Latest(records, audit.StageMediation, actionID); ok {
		if v := med.Details[audit.KeyDelayUntil]; v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				notBefore = t
			}
		}
	}

	tok, err := s.gateway.Issue(ctx, actionID, traceID, notBefore)
	details := map[string]string{audit.KeyActionID: actionID}
	if err != nil {
		traces.Fail(span, err)
		details[audit.KeyReason] = err.Error()
		s.appendRecord(ctx, traceID, audit.StageApproval, "refused", details)
		return "", err
	}
	s.appendRecord(ctx, traceID, audit.StageApproval, "issued", details)
	return tok, nil
}

// ValidateApprovalToken reports whether token is a live grant for actionID.
func (s *Service) ValidateApprovalToken(token, actionID string) bool {
	return s.gateway.Validate(token, actionID)
}

// Execute runs an approved action through the configured dispatcher and
// records the attempt.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) approval.Execution {
	ctx, span := traces.StartSpan(ctx, "guard.execute", traces.ActionID(req.ActionID), traces.Platform(req.Platform))
	defer span.End()

	action := approval.Action{
		ID:        req.ActionID,
		TraceID:   req.TraceID,
		Type:      req.ActionType,
		Content:   req.Content,
		Platform:  req.Platform,
		Recipient: req.Recipient,
	}
	exec := s.gateway.Execute(ctx, action, req.Token, s.dispatcher)
	if exec.Cause != nil {
		traces.Fail(span, exec.Cause)
	}

	if exec.TraceID != "" {
		ctx = logging.WithTraceID(ctx, exec.TraceID)
		details := map[string]string{audit.KeyActionID: req.ActionID}
		if exec.Error != "" {
			details[audit.KeyReason] = exec.Error
		}
		if !exec.DelayUntil.IsZero() {
			details[audit.KeyDelayUntil] = exec.DelayUntil.UTC().Format(time.RFC3339)
		}
		s.appendRecord(ctx, exec.TraceID, audit.StageExecution, string(exec.Status), details)
	} else {
		logging.L(ctx).Warn("execution attempt without trace", "action_id", req.ActionID, "status", exec.Status)
	}

	alert := realtime.Alert{
		TraceID:  exec.TraceID,
		ActionID: req.ActionID,
		Decision: string(exec.Status),
		Platform: req.Platform,
	}
	switch exec.Status {
	case approval.StatusExecuted:
		s.publisher.Publish(realtime.EventExecution, alert)
	case approval.StatusBlocked:
		s.publisher.Publish(realtime.EventBlock, alert)
	}
	return exec
}
