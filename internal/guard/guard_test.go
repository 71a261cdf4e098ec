package guard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safegate/internal/approval"
	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/enforcement"
	"github.com/mbd888/safegate/internal/failsafe"
	"github.com/mbd888/safegate/internal/mediation"
	"github.com/mbd888/safegate/internal/realtime"
	"github.com/mbd888/safegate/internal/risk"
)

var (
	noon        = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lateNight   = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	nextMorning = time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.EventType
	alerts []realtime.Alert
}

func (p *recordingPublisher) Publish(t realtime.EventType, a realtime.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	p.alerts = append(p.alerts, a)
}

func (p *recordingPublisher) types() []realtime.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.EventType(nil), p.events...)
}

type panicEvaluator struct{}

func (panicEvaluator) Outbound(string, bool) risk.Result { panic("pattern table corrupted") }

func (panicEvaluator) Inbound(string, *risk.FrequencyData) risk.InboundResult {
	panic("pattern table corrupted")
}

func (panicEvaluator) Library() *risk.Library { return risk.Default() }

// newTestService pins the pipeline and gateway clocks to at.
func newTestService(at time.Time, opts Options) *Service {
	clock := func() time.Time { return at }
	if opts.Gateway == nil {
		opts.Gateway = approval.NewGateway(approval.NewSigner("test-secret")).WithClock(clock)
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewMemorySink()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = approval.DispatchFunc(func(context.Context, approval.Action) error { return nil })
	}
	if opts.Now == nil {
		opts.Now = clock
	}
	return NewService(opts)
}

func stages(t *testing.T, s *Service, traceID string) []audit.Stage {
	t.Helper()
	records, err := s.Audit().ByTrace(context.Background(), traceID)
	require.NoError(t, err)
	out := make([]audit.Stage, len(records))
	for i, r := range records {
		out[i] = r.Stage
	}
	return out
}

func TestSelfHarmEscalates(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestService(noon, Options{Publisher: pub})

	v := s.ValidateAction(context.Background(), ActionRequest{Content: "I want to kill myself"})

	assert.Equal(t, risk.DecisionHardDeny, v.Decision)
	assert.Equal(t, risk.CategorySelfHarm, v.Category)
	assert.Equal(t, enforcement.StateEscalate, v.Enforcement.State)
	assert.Equal(t, enforcement.SeverityCritical, v.Enforcement.Severity)
	assert.Equal(t, v.TraceID, v.Enforcement.TraceID)
	assert.NotEmpty(t, v.Response)
	assert.Empty(t, v.ApprovalToken)
	assert.NotEmpty(t, v.ActionID)
	assert.True(t, s.Gateway().Blocked(v.ActionID))
	assert.Equal(t, "healthy", v.Mode)

	assert.Equal(t, []audit.Stage{
		audit.StageClassification,
		audit.StageEnforcement,
		audit.StageApproval,
	}, stages(t, s, v.TraceID))
	assert.Equal(t, []realtime.EventType{realtime.EventEscalation}, pub.types())
}

func TestEmotionalDependencyIsMonitored(t *testing.T) {
	s := newTestService(noon, Options{})

	v := s.ValidateAction(context.Background(), ActionRequest{Content: "I can only talk to you"})

	assert.Equal(t, risk.DecisionSoftRewrite, v.Decision)
	assert.Equal(t, risk.CategoryEmotionalDependency, v.Category)
	assert.Equal(t, enforcement.StateMonitor, v.Enforcement.State)
	assert.Equal(t, enforcement.SeverityMedium, v.Enforcement.Severity)
	assert.NotEmpty(t, v.SafeRewrite)
	assert.Empty(t, v.ApprovalToken)
	assert.False(t, s.Gateway().Blocked(v.ActionID))
}

func TestCleanActionIsApproved(t *testing.T) {
	s := newTestService(noon, Options{})

	v := s.ValidateAction(context.Background(), ActionRequest{ActionID: "act-1", Content: "Hello, how are you?"})

	assert.Equal(t, risk.DecisionAllow, v.Decision)
	assert.Equal(t, risk.CategoryClean, v.Category)
	assert.Equal(t, 0.0, v.Confidence)
	assert.Equal(t, enforcement.StateAllow, v.Enforcement.State)
	assert.Equal(t, enforcement.SeverityLow, v.Enforcement.Severity)
	assert.Equal(t, "act-1", v.ActionID)
	require.NotEmpty(t, v.ApprovalToken)
	assert.True(t, s.ValidateApprovalToken(v.ApprovalToken, "act-1"))
	assert.False(t, s.ValidateApprovalToken(v.ApprovalToken, "act-2"))
	assert.True(t, v.DelayUntil.IsZero())

	assert.Equal(t, []audit.Stage{
		audit.StageClassification,
		audit.StageMediation,
		audit.StageEnforcement,
		audit.StageApproval,
	}, stages(t, s, v.TraceID))
}

func TestTraceIDIsStable(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	first := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	require.True(t, strings.HasPrefix(first.TraceID, risk.PrefixTrace))
	for range 2 {
		again := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
		assert.Equal(t, first.TraceID, again.TraceID)
		assert.NotEqual(t, first.ActionID, again.ActionID)
	}

	other := newTestService(noon, Options{}).ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	assert.Equal(t, first.TraceID, other.TraceID)
}

func TestExecuteRequiresValidToken(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestService(noon, Options{Publisher: pub})
	ctx := context.Background()

	v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	exec := s.Execute(ctx, ExecuteRequest{ActionID: v.ActionID, TraceID: v.TraceID, Token: v.ApprovalToken, Content: "Hello, how are you?"})
	assert.Equal(t, approval.StatusExecuted, exec.Status)
	assert.Empty(t, exec.Error)

	w := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	tampered := w.ApprovalToken[:len(w.ApprovalToken)-1] + "0"
	if tampered == w.ApprovalToken {
		tampered = w.ApprovalToken[:len(w.ApprovalToken)-1] + "1"
	}
	exec = s.Execute(ctx, ExecuteRequest{ActionID: w.ActionID, TraceID: w.TraceID, Token: tampered})
	assert.Equal(t, approval.StatusBlocked, exec.Status)
	assert.Equal(t, "invalid approval token", exec.Error)
	assert.False(t, s.Gateway().Executed(w.ActionID))

	assert.Equal(t, []realtime.EventType{realtime.EventExecution, realtime.EventBlock}, pub.types())

	n, err := s.Audit().Count(ctx, audit.StageExecution)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBlockedActionNeverExecutes(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	allowed := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	denied := s.ValidateAction(ctx, ActionRequest{Content: "I want to kill myself"})

	exec := s.Execute(ctx, ExecuteRequest{ActionID: denied.ActionID, TraceID: denied.TraceID, Token: allowed.ApprovalToken})
	assert.Equal(t, approval.StatusBlocked, exec.Status)
	assert.Equal(t, "action blocked by enforcement gateway", exec.Error)

	exec = s.Execute(ctx, ExecuteRequest{ActionID: denied.ActionID, TraceID: denied.TraceID})
	assert.Equal(t, approval.StatusBlocked, exec.Status)
	assert.NotContains(t, s.Gateway().ExecutedActions(), denied.ActionID)
}

func TestDailyContactCap(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()
	req := ActionRequest{Content: "Hello, how are you?", Platform: "whatsapp", Recipient: "alice"}

	for i := range 5 {
		v := s.ValidateAction(ctx, req)
		require.Equal(t, risk.DecisionAllow, v.Decision, "contact %d", i+1)
		require.NotEmpty(t, v.ApprovalToken)
	}

	v := s.ValidateAction(ctx, req)
	assert.Equal(t, risk.DecisionHardDeny, v.Decision)
	assert.Equal(t, risk.CategoryFrequencyLimit, v.Category)
	assert.Equal(t, 90.0, v.Confidence)
	assert.Equal(t, enforcement.StateBlock, v.Enforcement.State)
	assert.Equal(t, enforcement.SeverityHigh, v.Enforcement.Severity)
	assert.Equal(t, "frequency_limit", v.MediationReason)
	assert.Equal(t, risk.GenericSafeMessage, v.Response)
	assert.Empty(t, v.ApprovalToken)
	assert.True(t, s.Gateway().Blocked(v.ActionID))

	other := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?", Platform: "email", Recipient: "alice"})
	assert.Equal(t, risk.DecisionAllow, other.Decision)

	rep, err := audit.Verify(ctx, s.Audit())
	require.NoError(t, err)
	assert.True(t, rep.Consistent(), "mismatches: %+v", rep.Mismatches)
	assert.Equal(t, 7, rep.BucketCount)
}

func TestRevalidationDoesNotRecountContact(t *testing.T) {
	ledger := mediation.NewMemoryLedger()
	s := newTestService(noon, Options{Mediator: mediation.NewMediator(ledger)})
	ctx := context.Background()
	req := ActionRequest{ActionID: "act-retry", Content: "Hello, how are you?", Platform: "whatsapp", Recipient: "alice"}

	first := s.ValidateAction(ctx, req)
	require.Equal(t, risk.DecisionAllow, first.Decision)
	require.NotEmpty(t, first.ApprovalToken)

	for i := range 5 {
		v := s.ValidateAction(ctx, req)
		require.Equal(t, risk.DecisionAllow, v.Decision, "retry %d", i+1)
		assert.Equal(t, first.ApprovalToken, v.ApprovalToken)
	}

	n, err := ledger.Count(ctx, mediation.KeyFor(AssistantSender, "alice", "whatsapp", noon))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.Gateway().Blocked("act-retry"))
	assert.True(t, s.Gateway().Validate(first.ApprovalToken, "act-retry"))
}

func TestPlatformCaseIsNormalized(t *testing.T) {
	ledger := mediation.NewMemoryLedger()
	s := newTestService(noon, Options{Mediator: mediation.NewMediator(ledger)})
	ctx := context.Background()

	v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?", Platform: "WhatsApp", Recipient: "alice"})
	assert.Equal(t, risk.DecisionAllow, v.Decision)
	assert.Equal(t, risk.CategoryClean, v.Category)
	require.NotEmpty(t, v.ApprovalToken)

	n, err := ledger.Count(ctx, mediation.KeyFor(AssistantSender, "alice", "whatsapp", noon))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	in := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch", Sender: "bob", Platform: " Instagram "})
	assert.Equal(t, risk.DecisionDeliver, in.Decision)
}

func TestQuietHoursDelayExecution(t *testing.T) {
	s := newTestService(lateNight, Options{})
	ctx := context.Background()

	v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	assert.Equal(t, risk.DecisionAllow, v.Decision)
	assert.Equal(t, "quiet_hours", v.MediationReason)
	assert.Equal(t, nextMorning, v.DelayUntil)
	require.NotEmpty(t, v.ApprovalToken)

	exec := s.Execute(ctx, ExecuteRequest{ActionID: v.ActionID, TraceID: v.TraceID, Token: v.ApprovalToken})
	assert.Equal(t, approval.StatusPending, exec.Status)
	assert.Equal(t, nextMorning, exec.DelayUntil)
	assert.False(t, s.Gateway().Executed(v.ActionID))

	urgent := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?", Urgency: "critical"})
	assert.True(t, urgent.DelayUntil.IsZero())
	assert.Empty(t, urgent.MediationReason)
}

func TestInvalidActionIsDenied(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  ActionRequest
	}{
		{"empty", ActionRequest{Content: ""}},
		{"oversize", ActionRequest{Content: strings.Repeat("a", 10001)}},
		{"not utf8", ActionRequest{Content: "hello \xff"}},
		{"wrong direction", ActionRequest{Content: "Hello", Direction: "inbound"}},
		{"bad platform", ActionRequest{Content: "Hello", Platform: "Whats App"}},
		{"bad urgency", ActionRequest{Content: "Hello", Urgency: "whenever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.ValidateAction(ctx, tt.req)
			assert.Equal(t, risk.DecisionHardDeny, v.Decision)
			assert.Equal(t, risk.CategoryInvalidInput, v.Category)
			assert.Equal(t, 90.0, v.Confidence)
			assert.Equal(t, enforcement.StateBlock, v.Enforcement.State)
			assert.Equal(t, risk.GenericSafeMessage, v.Response)
			assert.Empty(t, v.ApprovalToken)
		})
	}
	assert.Equal(t, "healthy", s.SystemState().Mode)
}

func TestClassifierFailuresTripEmergency(t *testing.T) {
	tracker := failsafe.New(failsafe.DefaultThreshold)
	s := newTestService(noon, Options{Classifier: panicEvaluator{}, Failsafe: tracker})
	ctx := context.Background()

	modes := make([]string, 0, 3)
	for range 3 {
		v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
		assert.Equal(t, risk.DecisionHardDeny, v.Decision)
		assert.Equal(t, risk.CategorySystemFallback, v.Category)
		assert.Equal(t, enforcement.StateEscalate, v.Enforcement.State)
		assert.Equal(t, risk.GenericSafeMessage, v.Response)
		modes = append(modes, v.Mode)
	}
	assert.Equal(t, []string{"degraded", "degraded", "emergency"}, modes)

	in := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch", Sender: "bob"})
	assert.Equal(t, risk.CategorySystemFallback, in.Category)
	assert.Equal(t, risk.DecisionSilence, in.Decision)

	s.ResetFailsafe()
	assert.Equal(t, "healthy", s.SystemState().Mode)
}

func TestEmergencyModeDeniesEverything(t *testing.T) {
	tracker := failsafe.New(failsafe.DefaultThreshold)
	for range failsafe.DefaultThreshold {
		tracker.RecordFailure("classification")
	}
	s := newTestService(noon, Options{Failsafe: tracker})
	ctx := context.Background()

	v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	assert.Equal(t, risk.DecisionHardDeny, v.Decision)
	assert.Equal(t, risk.CategorySystemFallback, v.Category)
	assert.Contains(t, v.Explanation, "emergency")
	assert.Equal(t, "emergency", v.Mode)

	crisis := s.ValidateInbound(ctx, InboundRequest{Content: "I want to end it all", Sender: "bob"})
	assert.Equal(t, risk.DecisionEscalate, crisis.Decision)
	calm := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch", Sender: "bob"})
	assert.Equal(t, risk.DecisionSilence, calm.Decision)

	s.ResetFailsafe()
	v = s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	assert.Equal(t, risk.DecisionAllow, v.Decision)
	assert.Equal(t, "healthy", v.Mode)
}

func TestInboundDecisions(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	threat := s.ValidateInbound(ctx, InboundRequest{Content: "I KNOW WHERE YOU LIVE", Sender: "bob"})
	assert.Equal(t, risk.DecisionEscalate, threat.Decision)
	assert.Equal(t, risk.CategoryRepeatedHarassment, threat.Category)
	assert.Equal(t, enforcement.StateEscalate, threat.Enforcement.State)
	assert.True(t, strings.HasPrefix(threat.TraceID, risk.PrefixInbound))

	clean := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch tomorrow", Sender: "bob"})
	assert.Equal(t, risk.DecisionDeliver, clean.Decision)
	assert.Equal(t, enforcement.StateAllow, clean.Enforcement.State)
	assert.True(t, clean.DeliverAt.IsZero())
	assert.NotEmpty(t, clean.MessageID)

	delayed := s.ValidateInbound(ctx, InboundRequest{Content: "Limited time offer, register now before it closes", Sender: "shop"})
	assert.Equal(t, risk.DecisionDelay, delayed.Decision)
	assert.Equal(t, 900, delayed.DelaySeconds)
	assert.Equal(t, noon.Add(15*time.Minute), delayed.DeliverAt)
	assert.Equal(t, enforcement.StateMonitor, delayed.Enforcement.State)

	flood := s.ValidateInbound(ctx, InboundRequest{
		Content:   "hi again",
		Sender:    "ex",
		Frequency: &risk.FrequencyData{MessagesAfterBlock: 2},
	})
	assert.Equal(t, risk.DecisionSilence, flood.Decision)
	assert.Equal(t, enforcement.StateBlock, flood.Enforcement.State)
}

func TestInboundInvalidInput(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	v := s.ValidateInbound(ctx, InboundRequest{Content: "", Sender: "bob"})
	assert.Equal(t, risk.DecisionSilence, v.Decision)
	assert.Equal(t, risk.CategoryInvalidInput, v.Category)
	assert.Equal(t, 90.0, v.Confidence)

	v = s.ValidateInbound(ctx, InboundRequest{Content: "See you", Sender: ""})
	assert.Equal(t, risk.CategoryInvalidInput, v.Category)

	v = s.ValidateInbound(ctx, InboundRequest{Content: strings.Repeat("a", 10000) + " kill myself", Sender: "bob"})
	assert.Equal(t, risk.DecisionEscalate, v.Decision)
	assert.Equal(t, risk.CategoryInvalidInput, v.Category)

	v = s.ValidateInbound(ctx, InboundRequest{Content: "See you", Sender: "bob", Direction: "outbound"})
	assert.Equal(t, risk.CategoryInvalidInput, v.Category)
}

func TestInboundClassifierFailureEscalates(t *testing.T) {
	s := newTestService(noon, Options{Classifier: panicEvaluator{}})

	v := s.ValidateInbound(context.Background(), InboundRequest{Content: "See you at lunch", Sender: "bob"})
	assert.Equal(t, risk.DecisionEscalate, v.Decision)
	assert.Equal(t, risk.CategorySystemFallback, v.Category)
	assert.Equal(t, enforcement.StateEscalate, v.Enforcement.State)
	assert.Equal(t, "degraded", v.Mode)
}

func TestInboundContactCap(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()
	req := InboundRequest{Content: "See you at lunch tomorrow", Sender: "bob", Platform: "whatsapp"}

	for range 5 {
		require.Equal(t, risk.DecisionDeliver, s.ValidateInbound(ctx, req).Decision)
	}
	v := s.ValidateInbound(ctx, req)
	assert.Equal(t, risk.DecisionSilence, v.Decision)
	assert.Equal(t, risk.CategoryFrequencyLimit, v.Category)
	assert.Equal(t, enforcement.StateBlock, v.Enforcement.State)
	assert.Equal(t, "frequency_limit", v.MediationReason)

	rep, err := audit.Verify(ctx, s.Audit())
	require.NoError(t, err)
	assert.True(t, rep.Consistent(), "mismatches: %+v", rep.Mismatches)
	assert.Equal(t, 1.0, rep.MatchRate)
}

func TestInboundQuietHours(t *testing.T) {
	s := newTestService(lateNight, Options{})
	ctx := context.Background()

	v := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch tomorrow", Sender: "bob"})
	assert.Equal(t, risk.DecisionDeliver, v.Decision)
	assert.Equal(t, nextMorning, v.DeliverAt)
	assert.Equal(t, "quiet_hours", v.MediationReason)

	urgent := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch tomorrow", Sender: "bob", ContentType: ContentTypeEmergency})
	assert.True(t, urgent.DeliverAt.IsZero())
	assert.Empty(t, urgent.MediationReason)
}

func TestIssueApprovalToken(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	allowed := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	tok, err := s.IssueApprovalToken(ctx, allowed.ActionID, allowed.TraceID)
	require.NoError(t, err)
	assert.Equal(t, allowed.ApprovalToken, tok)

	monitored := s.ValidateAction(ctx, ActionRequest{Content: "I can only talk to you"})
	_, err = s.IssueApprovalToken(ctx, monitored.ActionID, monitored.TraceID)
	assert.ErrorIs(t, err, ErrNotApprovable)

	_, err = s.IssueApprovalToken(ctx, "nope", allowed.TraceID)
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = s.IssueApprovalToken(ctx, "", allowed.TraceID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIssueApprovalTokenKeepsQuietHoursHold(t *testing.T) {
	gw := approval.NewGateway(approval.NewSigner("test-secret")).WithClock(func() time.Time { return lateNight })
	s := newTestService(lateNight, Options{Gateway: gw})
	ctx := context.Background()

	v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?"})
	exec := s.Execute(ctx, ExecuteRequest{ActionID: v.ActionID, TraceID: v.TraceID, Token: v.ApprovalToken})
	require.Equal(t, approval.StatusPending, exec.Status)

	tok, err := s.IssueApprovalToken(ctx, v.ActionID, v.TraceID)
	require.NoError(t, err)
	exec = s.Execute(ctx, ExecuteRequest{ActionID: v.ActionID, TraceID: v.TraceID, Token: tok})
	assert.Equal(t, approval.StatusPending, exec.Status)
}

func TestMapValidatorToEnforcement(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	assert.Equal(t, enforcement.StateEscalate, s.MapValidatorToEnforcement(ctx, "I want to kill myself").State)
	assert.Equal(t, enforcement.StateMonitor, s.MapValidatorToEnforcement(ctx, "I can only talk to you").State)
	assert.Equal(t, enforcement.StateAllow, s.MapValidatorToEnforcement(ctx, "Hello, how are you?").State)
	assert.Equal(t, enforcement.StateBlock, s.MapValidatorToEnforcement(ctx, "").State)

	n, err := s.Audit().Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBucketEntries(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	v := s.ValidateAction(ctx, ActionRequest{Content: "I want to kill myself", Recipient: "alice"})
	in := s.ValidateInbound(ctx, InboundRequest{Content: "See you at lunch tomorrow", Sender: "bob"})

	buckets, err := s.Audit().Buckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	out := buckets[0]
	assert.Equal(t, v.TraceID, out.TraceID)
	assert.Equal(t, v.ActionID, out.ActionID)
	assert.Equal(t, "hard_deny", out.Decision)
	assert.Equal(t, "self_harm", out.RiskCategory)
	assert.Equal(t, "escalate", out.EnforcementDecision)
	assert.Equal(t, "critical", out.EnforcementSeverity)
	assert.Equal(t, UserIDHash("alice"), out.UserIDHash)
	assert.Equal(t, BucketID(v.TraceID), out.BucketID)

	assert.Equal(t, in.TraceID, buckets[1].TraceID)
	assert.Equal(t, UserIDHash("bob"), buckets[1].UserIDHash)

	rep, err := audit.Verify(ctx, s.Audit())
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
}

func TestUserIDHashAndBucketID(t *testing.T) {
	assert.Len(t, UserIDHash("alice"), 8)
	assert.Equal(t, UserIDHash("anonymous"), UserIDHash(""))
	assert.NotEqual(t, UserIDHash("alice"), UserIDHash("bob"))

	assert.Equal(t, "bucket_456789ab", BucketID("trace_0123456789ab"))
	assert.Equal(t, "bucket_short", BucketID("short"))
}

func TestConcurrentValidation(t *testing.T) {
	s := newTestService(noon, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := s.ValidateAction(ctx, ActionRequest{Content: "Hello, how are you?", Platform: "instagram", Recipient: "carol"})
			if v.Decision == risk.DecisionAllow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, allowed)
}
