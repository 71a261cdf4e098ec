package mcpserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/guard"
)

// --- Test helpers ---

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestSetup() (*Handlers, *guard.Service) {
	svc := guard.NewService(guard.Options{Now: func() time.Time { return noon }})
	return NewHandlers(svc), svc
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

type failingSink struct{ audit.Sink }

func (failingSink) ByTrace(context.Context, string) ([]audit.Record, error) {
	return nil, errors.New("connection refused")
}

type brokenAudit struct{ *guard.Service }

func (brokenAudit) Audit() audit.Sink { return failingSink{} }

// ============================================================
// validate_action
// ============================================================

func TestValidateAction_Allow(t *testing.T) {
	h, _ := newTestSetup()

	result, err := h.HandleValidateAction(context.Background(), makeRequest(map[string]any{
		"content": "Hello, how are you?",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Decision: allow (clean")
	assert.Contains(t, text, "Enforcement: allow, severity low")
	assert.Contains(t, text, "Approval token: ")
	assert.Contains(t, text, "System mode: healthy")
}

func TestValidateAction_HardDeny(t *testing.T) {
	h, svc := newTestSetup()

	result, err := h.HandleValidateAction(context.Background(), makeRequest(map[string]any{
		"content": "I want to kill myself",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Decision: hard_deny (self_harm")
	assert.Contains(t, text, "Enforcement: escalate, severity critical")
	assert.Contains(t, text, "Response: ")
	assert.NotContains(t, text, "Approval token")
	assert.Len(t, svc.Gateway().ExecutedActions(), 0)
}

func TestValidateAction_SoftRewrite(t *testing.T) {
	h, _ := newTestSetup()

	result, err := h.HandleValidateAction(context.Background(), makeRequest(map[string]any{
		"content": "I can only talk to you",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Decision: soft_rewrite (emotional_dependency")
	assert.Contains(t, text, "Safe rewrite: ")
}

func TestValidateAction_InvalidContentIsAVerdict(t *testing.T) {
	h, _ := newTestSetup()

	for name, args := range map[string]map[string]any{
		"missing":    nil,
		"empty":      {"content": ""},
		"non-string": {"content": float64(123)},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := h.HandleValidateAction(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.False(t, result.IsError)

			text := resultText(t, result)
			assert.Contains(t, text, "Decision: hard_deny (invalid_input")
			assert.NotContains(t, text, "Approval token: ")
		})
	}
}

func TestValidateAction_Timestamp(t *testing.T) {
	h, _ := newTestSetup()
	ctx := context.Background()

	result, err := h.HandleValidateAction(ctx, makeRequest(map[string]any{
		"content":   "Hello, how are you?",
		"platform":  "whatsapp",
		"recipient": "alice",
		"timestamp": "2026-03-10T23:30:00Z",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Delayed until: 2026-03-11T07:00:00Z")

	result, err = h.HandleValidateAction(ctx, makeRequest(map[string]any{
		"content":   "Hello, how are you?",
		"timestamp": "yesterday",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "RFC 3339")
}

// ============================================================
// validate_inbound
// ============================================================

func TestValidateInbound(t *testing.T) {
	h, _ := newTestSetup()
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"deliver", map[string]any{"content": "See you at lunch tomorrow", "sender": "bob"}, "Decision: deliver"},
		{"escalate", map[string]any{"content": "I KNOW WHERE YOU LIVE", "sender": "bob"}, "Decision: escalate"},
		{"delay", map[string]any{"content": "Limited time offer, register now before it closes", "sender": "shop"}, "Deliver at: 2026-03-10T12:15:00Z"},
		{"frequency", map[string]any{"content": "hi again", "sender": "ex", "messages_after_block": float64(2)}, "Decision: silence (repeated_harassment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleValidateInbound(ctx, makeRequest(tt.args))
			require.NoError(t, err)
			assert.False(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestValidateInbound_InvalidInputIsAVerdict(t *testing.T) {
	h, _ := newTestSetup()

	for name, args := range map[string]map[string]any{
		"empty content":  {"content": "", "sender": "bob"},
		"missing sender": {"content": "hello"},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := h.HandleValidateInbound(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.False(t, result.IsError)

			text := resultText(t, result)
			assert.Contains(t, text, "invalid_input")
			assert.NotContains(t, text, "Decision: deliver")
		})
	}
}

func TestValidateInbound_UrgencyAndTimestamp(t *testing.T) {
	h, _ := newTestSetup()
	ctx := context.Background()
	late := "2026-03-10T23:30:00Z"

	result, err := h.HandleValidateInbound(ctx, makeRequest(map[string]any{
		"content":   "See you at lunch tomorrow",
		"sender":    "bob",
		"recipient": "alice",
		"platform":  "whatsapp",
		"timestamp": late,
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Deliver at: 2026-03-11T07:00:00Z")
	assert.Contains(t, text, "Mediation: quiet_hours")

	result, err = h.HandleValidateInbound(ctx, makeRequest(map[string]any{
		"content":   "See you at lunch tomorrow",
		"sender":    "bob",
		"recipient": "alice",
		"platform":  "whatsapp",
		"urgency":   "critical",
		"timestamp": late,
	}))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "Decision: deliver")
	assert.NotContains(t, text, "Deliver at:")

	result, err = h.HandleValidateInbound(ctx, makeRequest(map[string]any{
		"content":   "hello",
		"sender":    "bob",
		"timestamp": "23:30",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMapEnforcement_EmptyContent(t *testing.T) {
	h, _ := newTestSetup()

	result, err := h.HandleMapEnforcement(context.Background(), makeRequest(map[string]any{"content": ""}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.NotContains(t, resultText(t, result), "Enforcement: allow")
}

// ============================================================
// map_enforcement
// ============================================================

func TestMapEnforcement(t *testing.T) {
	h, svc := newTestSetup()

	result, err := h.HandleMapEnforcement(context.Background(), makeRequest(map[string]any{
		"content": "I want to kill myself",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Enforcement: escalate")
	assert.Contains(t, text, "Severity: critical")

	n, err := svc.Audit().Count(context.Background(), audit.StageClassification)
	require.NoError(t, err)
	assert.Zero(t, n, "map_enforcement must not write audit records")
}

// ============================================================
// audit_trace
// ============================================================

func TestAuditTrace(t *testing.T) {
	h, svc := newTestSetup()
	ctx := context.Background()

	v := svc.ValidateAction(ctx, guard.ActionRequest{Content: "Hello, how are you?"})

	result, err := h.HandleAuditTrace(ctx, makeRequest(map[string]any{"trace_id": v.TraceID}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Trace "+v.TraceID)
	assert.Contains(t, text, "classification: allow [clean]")
	assert.Contains(t, text, "enforcement: allow")
	assert.Contains(t, text, "approval: ")
}

func TestAuditTrace_Unknown(t *testing.T) {
	h, _ := newTestSetup()

	result, err := h.HandleAuditTrace(context.Background(), makeRequest(map[string]any{"trace_id": "trace_nope"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No audit records")
}

func TestAuditTrace_SinkError(t *testing.T) {
	_, svc := newTestSetup()
	h := NewHandlers(brokenAudit{svc})

	result, err := h.HandleAuditTrace(context.Background(), makeRequest(map[string]any{"trace_id": "trace_x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "connection refused")
}

// ============================================================
// Server wiring
// ============================================================

func TestNewMCPServer(t *testing.T) {
	_, svc := newTestSetup()
	require.NotNil(t, NewMCPServer(svc, "test"))
}
