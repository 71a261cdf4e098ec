package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/enforcement"
	"github.com/mbd888/safegate/internal/guard"
	"github.com/mbd888/safegate/internal/risk"
)

// Pipeline is the part of the guard service the tools call.
// *guard.Service implements it.
type Pipeline interface {
	ValidateAction(ctx context.Context, req guard.ActionRequest) guard.ActionVerdict
	ValidateInbound(ctx context.Context, req guard.InboundRequest) guard.InboundVerdict
	MapValidatorToEnforcement(ctx context.Context, content string) enforcement.Result
	Audit() audit.Sink
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	pipeline Pipeline
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(p Pipeline) *Handlers {
	return &Handlers{pipeline: p}
}

// HandleValidateAction runs the outbound pipeline.
func (h *Handlers) HandleValidateAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	at, err := timestampArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Missing or empty content reaches the pipeline and comes back as an
	// invalid_input verdict.
	v := h.pipeline.ValidateAction(ctx, guard.ActionRequest{
		Content:    req.GetString("content", ""),
		ActionType: req.GetString("action_type", ""),
		Platform:   req.GetString("platform", ""),
		Recipient:  req.GetString("recipient", ""),
		Timestamp:  at,
		Urgency:    req.GetString("urgency", ""),
		IsMinor:    req.GetBool("is_minor", false),
	})
	return mcp.NewToolResultText(formatActionVerdict(v)), nil
}

// HandleValidateInbound runs the inbound pipeline.
func (h *Handlers) HandleValidateInbound(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	at, err := timestampArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	in := guard.InboundRequest{
		Content:     req.GetString("content", ""),
		Sender:      req.GetString("sender", ""),
		Platform:    req.GetString("platform", ""),
		Recipient:   req.GetString("recipient", ""),
		ContentType: req.GetString("content_type", ""),
		Timestamp:   at,
		Urgency:     req.GetString("urgency", ""),
	}
	perHour := req.GetInt("messages_per_hour", 0)
	afterBlock := req.GetInt("messages_after_block", 0)
	if perHour != 0 || afterBlock != 0 {
		in.Frequency = &risk.FrequencyData{MessagesPerHour: perHour, MessagesAfterBlock: afterBlock}
	}

	v := h.pipeline.ValidateInbound(ctx, in)
	return mcp.NewToolResultText(formatInboundVerdict(v)), nil
}

// HandleMapEnforcement returns the enforcement mapping without side effects.
func (h *Handlers) HandleMapEnforcement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r := h.pipeline.MapValidatorToEnforcement(ctx, req.GetString("content", ""))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Enforcement: %s\n", r.State)
	fmt.Fprintf(&sb, "Severity: %s\n", r.Severity)
	fmt.Fprintf(&sb, "Confidence: %.2f\n", r.Confidence)
	fmt.Fprintf(&sb, "Trace: %s", r.TraceID)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAuditTrace lists the audit records for a trace.
func (h *Handlers) HandleAuditTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traceID := req.GetString("trace_id", "")
	if traceID == "" {
		return mcp.NewToolResultError("trace_id is required"), nil
	}

	records, err := h.pipeline.Audit().ByTrace(ctx, traceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load audit trail: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No audit records for trace %s.", traceID)), nil
	}

	return mcp.NewToolResultText(formatRecords(traceID, records)), nil
}

// timestampArg parses the optional RFC 3339 timestamp argument. The zero
// time means now.
func timestampArg(req mcp.CallToolRequest) (time.Time, error) {
	raw := req.GetString("timestamp", "")
	if raw == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be RFC 3339, e.g. 2026-03-10T23:30:00Z: %w", err)
	}
	return at, nil
}

// --- Formatters ---

func formatActionVerdict(v guard.ActionVerdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s (%s, confidence %.2f)\n", v.Decision, v.Category, v.Confidence)
	fmt.Fprintf(&sb, "Enforcement: %s, severity %s\n", v.Enforcement.State, v.Enforcement.Severity)
	fmt.Fprintf(&sb, "Explanation: %s\n", v.Explanation)
	if len(v.MatchedPatterns) > 0 {
		fmt.Fprintf(&sb, "Matched: %s\n", strings.Join(v.MatchedPatterns, "; "))
	}
	if v.SafeRewrite != "" {
		fmt.Fprintf(&sb, "Safe rewrite: %s\n", v.SafeRewrite)
	}
	if v.Response != "" {
		fmt.Fprintf(&sb, "Response: %s\n", v.Response)
	}
	if v.MediationReason != "" {
		fmt.Fprintf(&sb, "Mediation: %s\n", v.MediationReason)
	}
	if !v.DelayUntil.IsZero() {
		fmt.Fprintf(&sb, "Delayed until: %s\n", v.DelayUntil.UTC().Format(time.RFC3339))
	}
	switch {
	case v.ApprovalToken != "":
		fmt.Fprintf(&sb, "Approval token: %s\n", v.ApprovalToken)
	case v.ApprovalError != "":
		fmt.Fprintf(&sb, "Approval: %s\n", v.ApprovalError)
	}
	fmt.Fprintf(&sb, "Action: %s\n", v.ActionID)
	fmt.Fprintf(&sb, "Trace: %s\n", v.TraceID)
	fmt.Fprintf(&sb, "System mode: %s", v.Mode)
	return sb.String()
}

func formatInboundVerdict(v guard.InboundVerdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s (%s, confidence %.2f)\n", v.Decision, v.Category, v.Confidence)
	fmt.Fprintf(&sb, "Enforcement: %s, severity %s\n", v.Enforcement.State, v.Enforcement.Severity)
	fmt.Fprintf(&sb, "Explanation: %s\n", v.Explanation)
	if v.SafeSummary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", v.SafeSummary)
	}
	if !v.DeliverAt.IsZero() {
		fmt.Fprintf(&sb, "Deliver at: %s\n", v.DeliverAt.UTC().Format(time.RFC3339))
	}
	if v.MediationReason != "" {
		fmt.Fprintf(&sb, "Mediation: %s\n", v.MediationReason)
	}
	fmt.Fprintf(&sb, "Message: %s\n", v.MessageID)
	fmt.Fprintf(&sb, "Trace: %s\n", v.TraceID)
	fmt.Fprintf(&sb, "System mode: %s", v.Mode)
	return sb.String()
}

func formatRecords(traceID string, records []audit.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trace %s (%d records):\n", traceID, len(records))
	for _, r := range records {
		fmt.Fprintf(&sb, "  #%d %s %s: %s", r.Seq, r.Timestamp.UTC().Format(time.RFC3339), r.Stage, r.Decision)
		if cat := r.Details[audit.KeyCategory]; cat != "" {
			fmt.Fprintf(&sb, " [%s]", cat)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
