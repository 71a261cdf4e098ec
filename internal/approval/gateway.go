package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/syncutil"
)

var (
	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "approval",
		Name:      "tokens_issued_total",
		Help:      "Approval tokens issued.",
	})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "approval",
		Name:      "executions_total",
		Help:      "Execution attempts by resulting status.",
	}, []string{"status"})

	rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "approval",
		Name:      "token_rejections_total",
		Help:      "Execution attempts refused at the gate, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(tokensIssued, executions, rejections)
}

// Gateway holds the grant, blocked and executed sets. State changes for one
// action id are serialized by a striped lock; distinct actions proceed in
// parallel.
type Gateway struct {
	signer *Signer
	policy TokenPolicy
	locks  *syncutil.Striped
	now    func() time.Time

	mu       sync.RWMutex
	grants   map[string]Grant // token -> grant
	byAction map[string]string
	blocked  map[string]Block
	executed map[string]Execution
}

// NewGateway creates a gateway with the single-use policy.
func NewGateway(signer *Signer) *Gateway {
	if signer == nil {
		signer = NewSigner("")
	}
	return &Gateway{
		signer:   signer,
		policy:   PolicySingleUse,
		locks:    syncutil.NewStriped(0),
		now:      time.Now,
		grants:   make(map[string]Grant),
		byAction: make(map[string]string),
		blocked:  make(map[string]Block),
		executed: make(map[string]Execution),
	}
}

// WithPolicy overrides the token policy.
func (g *Gateway) WithPolicy(p TokenPolicy) *Gateway {
	g.policy = p
	return g
}

// WithClock overrides the time source.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Policy returns the token policy in effect.
func (g *Gateway) Policy() TokenPolicy { return g.policy }

// Issue grants a token for actionID under traceID. The caller must only
// issue for actions whose enforcement state is allow. notBefore, when set,
// keeps Execute pending until that instant. Issuing again for the same
// action and trace returns the existing token.
func (g *Gateway) Issue(ctx context.Context, actionID, traceID string, notBefore time.Time) (string, error) {
	if actionID == "" || traceID == "" {
		return "", ErrInvalidRequest
	}
	unlock := g.locks.Lock(actionID)
	defer unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.blocked[actionID]; ok {
		return "", ErrActionBlocked
	}
	if _, ok := g.executed[actionID]; ok && g.policy == PolicySingleUse {
		return "", ErrAlreadyExecuted
	}
	if tok, ok := g.byAction[actionID]; ok {
		if g.grants[tok].TraceID != traceID {
			return "", ErrTraceMismatch
		}
		return tok, nil
	}

	issuedAt := g.now()
	tok := g.signer.Sign(actionID, traceID, issuedAt)
	g.grants[tok] = Grant{
		Token:     tok,
		ActionID:  actionID,
		TraceID:   traceID,
		IssuedAt:  issuedAt,
		NotBefore: notBefore,
	}
	g.byAction[actionID] = tok
	tokensIssued.Inc()

	logging.L(ctx).Debug("approval token issued", "action_id", actionID, "trace_id", traceID)
	return tok, nil
}

// Validate reports whether token was issued for actionID and is still held.
func (g *Gateway) Validate(token, actionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.lookup(token, actionID, "")
	return ok
}

// Granted reports whether actionID holds a live grant issued under traceID.
func (g *Gateway) Granted(actionID, traceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tok, ok := g.byAction[actionID]
	return ok && g.grants[tok].TraceID == traceID
}

// lookup finds a live grant matching token and action, and trace when
// traceID is non-empty. Caller must hold g.mu.
func (g *Gateway) lookup(token, actionID, traceID string) (Grant, bool) {
	grant, ok := g.grants[token]
	if !ok || grant.ActionID != actionID {
		return Grant{}, false
	}
	if traceID != "" && grant.TraceID != traceID {
		return Grant{}, false
	}
	if !g.signer.Verify(token, grant.ActionID, grant.TraceID, grant.IssuedAt) {
		return Grant{}, false
	}
	return grant, true
}

// Block places actionID on the blocked set and revokes any grant it holds.
func (g *Gateway) Block(ctx context.Context, actionID, traceID, why string) {
	unlock := g.locks.Lock(actionID)
	defer unlock()

	g.mu.Lock()
	if tok, ok := g.byAction[actionID]; ok {
		delete(g.grants, tok)
		delete(g.byAction, actionID)
	}
	g.blocked[actionID] = Block{ActionID: actionID, TraceID: traceID, Reason: why, BlockedAt: g.now()}
	g.mu.Unlock()

	logging.L(ctx).Warn("action blocked", "action_id", actionID, "trace_id", traceID, "reason", why)
}

// Blocked reports whether actionID is on the blocked set.
func (g *Gateway) Blocked(actionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocked[actionID]
	return ok
}

// Executed reports whether actionID has executed.
func (g *Gateway) Executed(actionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.executed[actionID]
	return ok
}

// ExecutedActions returns the ids of every executed action.
func (g *Gateway) ExecutedActions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.executed))
	for id := range g.executed {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs action through d if it passes the gate. The blocked set is
// checked first, then the token. Gate rejections are final and never
// retried here.
func (g *Gateway) Execute(ctx context.Context, action Action, token string, d Dispatcher) Execution {
	unlock := g.locks.Lock(action.ID)
	defer unlock()

	exec := Execution{
		ActionID:  action.ID,
		TraceID:   action.TraceID,
		AttemptAt: g.now(),
	}

	g.mu.RLock()
	_, isBlocked := g.blocked[action.ID]
	grant, valid := g.lookup(token, action.ID, action.TraceID)
	g.mu.RUnlock()

	switch {
	case isBlocked:
		return g.reject(ctx, exec, ErrActionBlocked)
	case token == "":
		return g.reject(ctx, exec, ErrTokenMissing)
	case !valid:
		return g.reject(ctx, exec, ErrTokenInvalid)
	}

	if exec.TraceID == "" {
		exec.TraceID = grant.TraceID
		action.TraceID = grant.TraceID
	}
	exec.Token = token

	if !grant.NotBefore.IsZero() && exec.AttemptAt.Before(grant.NotBefore) {
		exec.Status = StatusPending
		exec.DelayUntil = grant.NotBefore
		exec.Cause = ErrNotYetValid
		exec.Error = fmt.Sprintf("action delayed until %s", grant.NotBefore.UTC().Format(time.RFC3339))
		executions.WithLabelValues(string(StatusPending)).Inc()
		return exec
	}

	if err := d.Dispatch(ctx, action); err != nil {
		exec.Status = StatusFailed
		exec.Cause = err
		exec.Error = "execution failed: " + err.Error()
		executions.WithLabelValues(string(StatusFailed)).Inc()
		logging.L(ctx).Error("dispatch failed", "action_id", action.ID, "error", err)
		return exec
	}

	exec.Status = StatusExecuted
	g.mu.Lock()
	g.executed[action.ID] = exec
	if g.policy == PolicySingleUse {
		delete(g.grants, token)
		delete(g.byAction, action.ID)
	}
	g.mu.Unlock()

	executions.WithLabelValues(string(StatusExecuted)).Inc()
	logging.L(ctx).Info("action executed", "action_id", action.ID, "trace_id", exec.TraceID)
	return exec
}

func (g *Gateway) reject(ctx context.Context, exec Execution, cause error) Execution {
	exec.Status = StatusBlocked
	exec.Cause = cause
	exec.Error = reason(cause)
	executions.WithLabelValues(string(StatusBlocked)).Inc()
	rejections.WithLabelValues(exec.Error).Inc()
	logging.L(ctx).Warn("execution refused", "action_id", exec.ActionID, "trace_id", exec.TraceID, "reason", exec.Error)
	return exec
}
